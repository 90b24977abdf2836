package net

import (
	"context"
	"sort"
	"sync"

	"github.com/monas/monas-state-node/src/crdt"
	"github.com/monas/monas-state-node/src/peers"
)

// FetchOperations implements PeerNetwork. Content the peer does not know
// yields no operations and no error.
func (e *Engine) FetchOperations(ctx context.Context, peerID, genesisCID, since string) ([]crdt.SerializedOperation, error) {
	if peers.NormalizeID(peerID) == e.self.ID {
		resp, err := e.answerFetchOperations(&FetchOperationsRequest{GenesisCID: genesisCID, SinceVersion: since})
		if err != nil {
			return nil, err
		}
		return resp.Operations, nil
	}

	p, err := e.resolve(ctx, peerID)
	if err != nil {
		return nil, err
	}

	var out FetchOperationsResponse
	err = e.call(ctx, func() error {
		return e.trans.FetchOperations(p.NetAddr, &FetchOperationsRequest{
			From:         e.self,
			GenesisCID:   genesisCID,
			SinceVersion: since,
		}, &out)
	})
	if err != nil {
		e.reportFailure(p, err)
		return nil, err
	}
	e.reportSuccess(p)

	if !out.Found {
		return nil, nil
	}
	return out.Operations, nil
}

// PushOperations implements PeerNetwork and returns the number of operations
// the peer did not have.
func (e *Engine) PushOperations(ctx context.Context, peerID, genesisCID string, ops []crdt.SerializedOperation) (int, error) {
	p, err := e.resolve(ctx, peerID)
	if err != nil {
		return 0, err
	}

	var out PushOperationsResponse
	err = e.call(ctx, func() error {
		return e.trans.PushOperations(p.NetAddr, &PushOperationsRequest{
			From:       e.self,
			GenesisCID: genesisCID,
			Operations: ops,
		}, &out)
	})
	if err != nil {
		e.reportFailure(p, err)
		return 0, err
	}
	e.reportSuccess(p)

	return out.AcceptedCount, nil
}

// QueryCapacity implements PeerNetwork.
func (e *Engine) QueryCapacity(ctx context.Context, peerID string) (CapacityResponse, error) {
	if peers.NormalizeID(peerID) == e.self.ID {
		resp, err := e.answerCapacity()
		if err != nil {
			return CapacityResponse{}, err
		}
		return *resp, nil
	}

	p, err := e.resolve(ctx, peerID)
	if err != nil {
		return CapacityResponse{}, err
	}

	var out CapacityResponse
	err = e.call(ctx, func() error {
		return e.trans.QueryCapacity(p.NetAddr, &CapacityRequest{From: e.self}, &out)
	})
	if err != nil {
		e.reportFailure(p, err)
		return CapacityResponse{}, err
	}
	e.reportSuccess(p)

	return out, nil
}

// QueryAssignable implements PeerNetwork. It asks every known peer for
// content needing at most availableCapacity, leaving out networks exclude
// is a member of, and merges the answers. Peers
// that fail are skipped; the last error is returned only when all of them
// failed.
func (e *Engine) QueryAssignable(ctx context.Context, availableCapacity uint64, exclude string, limit int) ([]string, error) {
	var known []peers.Peer
	if err := e.do(ctx, func() {
		known = e.table.Closest(e.self.ID, e.conf.Replication)
	}); err != nil {
		return nil, err
	}

	var (
		mu       sync.Mutex
		found    = make(map[string]bool)
		failures int
		lastErr  error
		wg       sync.WaitGroup
	)

	for _, p := range known {
		wg.Add(1)
		go func(p peers.Peer) {
			defer wg.Done()

			var out AssignableResponse
			err := e.call(ctx, func() error {
				return e.trans.QueryAssignable(p.NetAddr, &AssignableRequest{
					From:              e.self,
					AvailableCapacity: availableCapacity,
					Exclude:           exclude,
					Limit:             limit,
				}, &out)
			})

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				failures++
				lastErr = err
				e.reportFailure(p, err)
				return
			}
			e.reportSuccess(p)

			for _, cid := range out.ContentIDs {
				found[cid] = true
			}
		}(p)
	}
	wg.Wait()

	if len(known) > 0 && failures == len(known) {
		return nil, lastErr
	}

	res := make([]string, 0, len(found))
	for cid := range found {
		res = append(res, cid)
	}
	sort.Strings(res)

	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}
