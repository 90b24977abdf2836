package mobile

/*
These types are exported and need to be implemented and used by the mobile
application.
*/

//------------------------------------------------------------------------------

// ExceptionHandler receives errors the node cannot return to a caller.
type ExceptionHandler interface {
	OnException(string)
}
