package net

import (
	"context"
	"sort"
	"sync"

	"github.com/monas/monas-state-node/src/peers"
	"github.com/sirupsen/logrus"
)

// Bootstrap says hello to the given addresses and then looks up our own id
// to fill the routing table. It fails only when every bootstrap address is
// unreachable.
func (e *Engine) Bootstrap(ctx context.Context, addrs []string) error {
	if len(addrs) == 0 {
		return nil
	}

	var (
		lastErr error
		reached int
	)

	for _, addr := range addrs {
		if addr == "" || addr == e.self.NetAddr {
			continue
		}

		var out HelloResponse
		err := e.call(ctx, func() error {
			return e.trans.Hello(addr, &HelloRequest{From: e.self}, &out)
		})
		if err != nil {
			e.logger.WithFields(logrus.Fields{
				"addr":  addr,
				"error": err,
			}).Warn("Bootstrap peer unreachable")
			lastErr = err
			continue
		}

		reached++
		if out.From.NetAddr == "" {
			out.From.NetAddr = addr
		}
		if err := e.do(ctx, func() {
			e.learn(append(out.Known, out.From)...)
		}); err != nil {
			return err
		}
	}

	if reached == 0 && lastErr != nil {
		return lastErr
	}

	_, err := e.lookup(ctx, e.self.ID)
	return err
}

// FindClosestPeers implements PeerNetwork. It runs an iterative lookup and
// returns the ids of up to k peers closest to key, the local node excluded.
func (e *Engine) FindClosestPeers(ctx context.Context, key string, k int) ([]string, error) {
	closest, err := e.lookup(ctx, key)
	if err != nil {
		return nil, err
	}
	if k > 0 && len(closest) > k {
		closest = closest[:k]
	}
	return peers.IDs(closest), nil
}

// lookup queries peers closer and closer to key until a round brings no
// closer peer, in rounds of Alpha concurrent FindNode requests.
func (e *Engine) lookup(ctx context.Context, key string) ([]peers.Peer, error) {
	var shortlist []peers.Peer
	if err := e.do(ctx, func() {
		shortlist = e.table.Closest(key, e.conf.Replication)
	}); err != nil {
		return nil, err
	}

	queried := map[string]bool{e.self.ID: true}

	for {
		var batch []peers.Peer
		for _, p := range shortlist {
			if !queried[p.ID] {
				batch = append(batch, p)
				if len(batch) == e.conf.Alpha {
					break
				}
			}
		}
		if len(batch) == 0 {
			break
		}

		found := e.findNodeRound(ctx, batch, key)
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		for _, p := range batch {
			queried[p.ID] = true
		}

		candidates := append(shortlist, peers.ExcludePeer(found, e.self.ID)...)
		shortlist = peers.SortByDistance(candidates, key, e.conf.Replication)
	}

	return shortlist, nil
}

// findNodeRound sends FindNode to every peer of batch concurrently and
// returns all the peers they reported.
func (e *Engine) findNodeRound(ctx context.Context, batch []peers.Peer, key string) []peers.Peer {
	var (
		mu    sync.Mutex
		found []peers.Peer
		wg    sync.WaitGroup
	)

	for _, p := range batch {
		wg.Add(1)
		go func(p peers.Peer) {
			defer wg.Done()

			var out FindNodeResponse
			err := e.call(ctx, func() error {
				return e.trans.FindNode(p.NetAddr, &FindNodeRequest{
					From:  e.self,
					Key:   key,
					Count: e.conf.Replication,
				}, &out)
			})
			if err != nil {
				e.reportFailure(p, err)
				return
			}
			e.reportSuccess(p, out.Closest...)

			mu.Lock()
			found = append(found, out.Closest...)
			mu.Unlock()
		}(p)
	}
	wg.Wait()

	return found
}

// Provide implements PeerNetwork. It records the local node as a provider of
// contentID and announces it to the peers closest to contentID.
func (e *Engine) Provide(ctx context.Context, contentID string) error {
	if err := e.do(ctx, func() {
		e.addProvider(contentID, e.self)
	}); err != nil {
		return err
	}

	closest, err := e.lookup(ctx, contentID)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, p := range closest {
		wg.Add(1)
		go func(p peers.Peer) {
			defer wg.Done()

			var out AddProviderResponse
			err := e.call(ctx, func() error {
				return e.trans.AddProvider(p.NetAddr, &AddProviderRequest{
					From:      e.self,
					ContentID: contentID,
				}, &out)
			})
			if err != nil {
				e.reportFailure(p, err)
				return
			}
			e.reportSuccess(p)
		}(p)
	}
	wg.Wait()

	return nil
}

// FindContentProviders implements PeerNetwork. The result merges the local
// provider records with those held by the peers closest to contentID. It may
// contain the local node id.
func (e *Engine) FindContentProviders(ctx context.Context, contentID string) ([]string, error) {
	var local []peers.Peer
	if err := e.do(ctx, func() {
		local = e.localProviders(contentID)
	}); err != nil {
		return nil, err
	}

	closest, err := e.lookup(ctx, contentID)
	if err != nil {
		return nil, err
	}

	var (
		mu    sync.Mutex
		found = make(map[string]bool)
		wg    sync.WaitGroup
	)
	for _, p := range local {
		found[p.ID] = true
	}

	for _, p := range closest {
		wg.Add(1)
		go func(p peers.Peer) {
			defer wg.Done()

			var out FindProvidersResponse
			err := e.call(ctx, func() error {
				return e.trans.FindProviders(p.NetAddr, &FindProvidersRequest{
					From:      e.self,
					ContentID: contentID,
				}, &out)
			})
			if err != nil {
				e.reportFailure(p, err)
				return
			}

			// providers must be resolvable for the requests that follow. The
			// loop handles this before any later command.
			e.reportSuccess(p, append(out.Providers, out.Closest...)...)

			mu.Lock()
			for _, pr := range out.Providers {
				found[peers.NormalizeID(pr.ID)] = true
			}
			mu.Unlock()
		}(p)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res := make([]string, 0, len(found))
	for id := range found {
		res = append(res, id)
	}
	sort.Strings(res)
	return res, nil
}

// addProvider records a provider of contentID. Loop only.
func (e *Engine) addProvider(contentID string, p peers.Peer) {
	ps, ok := e.providers[contentID]
	if !ok {
		ps = make(map[string]peers.Peer)
		e.providers[contentID] = ps
	}
	ps[peers.NormalizeID(p.ID)] = p
}

// localProviders returns the recorded providers of contentID. Loop only.
func (e *Engine) localProviders(contentID string) []peers.Peer {
	ps := e.providers[contentID]
	res := make([]peers.Peer, 0, len(ps))
	for _, p := range ps {
		res = append(res, p)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}
