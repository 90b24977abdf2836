package net

import (
	"time"

	"github.com/monas/monas-state-node/src/peers"
	"github.com/sirupsen/logrus"
)

// processRPC is called by the loop for every inbound request.
func (e *Engine) processRPC(rpc RPC) {
	switch cmd := rpc.Command.(type) {
	case *HelloRequest:
		e.processHelloRequest(rpc, cmd)
	case *FindNodeRequest:
		e.processFindNodeRequest(rpc, cmd)
	case *AddProviderRequest:
		e.processAddProviderRequest(rpc, cmd)
	case *FindProvidersRequest:
		e.processFindProvidersRequest(rpc, cmd)
	case *GossipRequest:
		e.processGossipRequest(rpc, cmd)
	case *FetchOperationsRequest:
		e.learn(cmd.From)
		e.handleAsync(rpc, func() (interface{}, error) {
			return e.answerFetchOperations(cmd)
		})
	case *PushOperationsRequest:
		e.learn(cmd.From)
		e.handleAsync(rpc, func() (interface{}, error) {
			return e.answerPushOperations(cmd)
		})
	case *CapacityRequest:
		e.learn(cmd.From)
		e.handleAsync(rpc, func() (interface{}, error) {
			return e.answerCapacity()
		})
	case *AssignableRequest:
		e.learn(cmd.From)
		e.handleAsync(rpc, func() (interface{}, error) {
			return e.answerAssignable(cmd)
		})
	default:
		e.logger.WithField("cmd", rpc.Command).Error("Unexpected RPC command")
		rpc.Respond(nil, errUnexpectedCommand)
	}
}

// handleAsync answers rpc from a worker goroutine so that the loop never
// waits on storage.
func (e *Engine) handleAsync(rpc RPC, answer func() (interface{}, error)) {
	ok := e.goFunc(func() {
		resp, err := answer()
		rpc.Respond(resp, err)
	})
	if !ok {
		rpc.Respond(nil, errBusy)
	}
}

func (e *Engine) processHelloRequest(rpc RPC, cmd *HelloRequest) {
	e.learn(cmd.From)

	known := peers.ExcludePeer(e.table.Closest(cmd.From.ID, e.conf.Replication), cmd.From.ID)

	rpc.Respond(&HelloResponse{
		From:  e.self,
		Known: known,
	}, nil)
}

func (e *Engine) processFindNodeRequest(rpc RPC, cmd *FindNodeRequest) {
	e.learn(cmd.From)

	count := cmd.Count
	if count <= 0 || count > e.conf.Replication {
		count = e.conf.Replication
	}

	// we are a candidate too
	closest := peers.SortByDistance(
		append(e.table.Closest(cmd.Key, count), e.self),
		cmd.Key,
		count,
	)

	rpc.Respond(&FindNodeResponse{
		Closest: peers.ExcludePeer(closest, cmd.From.ID),
	}, nil)
}

func (e *Engine) processAddProviderRequest(rpc RPC, cmd *AddProviderRequest) {
	e.learn(cmd.From)

	accepted := cmd.ContentID != "" && cmd.From.ID != ""
	if accepted {
		e.addProvider(cmd.ContentID, cmd.From)
	}

	rpc.Respond(&AddProviderResponse{Accepted: accepted}, nil)
}

func (e *Engine) processFindProvidersRequest(rpc RPC, cmd *FindProvidersRequest) {
	e.learn(cmd.From)

	rpc.Respond(&FindProvidersResponse{
		Providers: e.localProviders(cmd.ContentID),
		Closest:   peers.ExcludePeer(e.table.Closest(cmd.ContentID, e.conf.Replication), cmd.From.ID),
	}, nil)
}

func (e *Engine) processGossipRequest(rpc RPC, cmd *GossipRequest) {
	e.learn(cmd.From)

	if _, ok := e.seen[cmd.MessageID]; ok || cmd.Origin == e.self.ID {
		rpc.Respond(&GossipResponse{Duplicate: true}, nil)
		return
	}
	e.seen[cmd.MessageID] = time.Now()

	rpc.Respond(&GossipResponse{}, nil)

	e.deliver(GossipMessage{
		Topic:  cmd.Topic,
		Source: cmd.Origin,
		Data:   cmd.Data,
	})

	if cmd.TTL > 1 {
		fwd := *cmd
		fwd.From = e.self
		fwd.TTL = cmd.TTL - 1

		targets := e.gossipTargets(cmd.From.ID, cmd.Origin)
		e.goFunc(func() {
			e.forward(&fwd, targets)
		})
	}
}

func (e *Engine) answerFetchOperations(cmd *FetchOperationsRequest) (*FetchOperationsResponse, error) {
	if e.handler == nil {
		return nil, errNoRequestHandler
	}

	ops, found, err := e.handler.GetOperations(cmd.GenesisCID, cmd.SinceVersion)
	if err != nil {
		e.logger.WithFields(logrus.Fields{
			"genesis": cmd.GenesisCID,
			"error":   err,
		}).Error("GetOperations")
		return nil, err
	}

	return &FetchOperationsResponse{
		Found:      found,
		Operations: ops,
	}, nil
}

func (e *Engine) answerPushOperations(cmd *PushOperationsRequest) (*PushOperationsResponse, error) {
	if e.handler == nil {
		return nil, errNoRequestHandler
	}

	accepted, err := e.handler.ApplyOperations(cmd.GenesisCID, cmd.Operations)
	if err != nil {
		e.logger.WithFields(logrus.Fields{
			"genesis":  cmd.GenesisCID,
			"from":     cmd.From.ID,
			"accepted": accepted,
			"error":    err,
		}).Debug("Pushed operations partially rejected")
	}

	// a partial apply is still an answer
	return &PushOperationsResponse{AcceptedCount: accepted}, nil
}

func (e *Engine) answerCapacity() (*CapacityResponse, error) {
	if e.handler == nil {
		return nil, errNoRequestHandler
	}

	total, available, err := e.handler.LocalCapacity()
	if err != nil {
		return nil, err
	}

	return &CapacityResponse{
		NodeID:            e.self.ID,
		TotalCapacity:     total,
		AvailableCapacity: available,
	}, nil
}

func (e *Engine) answerAssignable(cmd *AssignableRequest) (*AssignableResponse, error) {
	if e.handler == nil {
		return nil, errNoRequestHandler
	}

	cids, err := e.handler.FindAssignable(cmd.AvailableCapacity, cmd.Exclude, cmd.Limit)
	if err != nil {
		return nil, err
	}

	return &AssignableResponse{ContentIDs: cids}, nil
}
