// Package directory is the content-network directory: which nodes replicate
// which content, plus a capacity index used to find content a node can take
// on.
package directory

import (
	"errors"
	"sort"
	"strings"

	cm "github.com/monas/monas-state-node/src/common"
	"github.com/monas/monas-state-node/src/kv"
	"github.com/sirupsen/logrus"
)

// Concurrent merges of the same network are retried this many times before
// the conflict is returned.
const maxConflictRetries = 5

// ContentNetwork is the set of nodes replicating a content item. ContentID is
// the genesis id of the item. Members are kept sorted and never shrink.
type ContentNetwork struct {
	ContentID   string   `json:"content_id"`
	MemberNodes []string `json:"member_nodes"`
}

// HasMember reports whether nodeID is part of the network.
func (n ContentNetwork) HasMember(nodeID string) bool {
	i := sort.SearchStrings(n.MemberNodes, nodeID)
	return i < len(n.MemberNodes) && n.MemberNodes[i] == nodeID
}

// Merge returns the union of both member sets, sorted.
func (n ContentNetwork) Merge(members ...string) ContentNetwork {
	set := make(map[string]struct{}, len(n.MemberNodes)+len(members))
	for _, m := range n.MemberNodes {
		set[m] = struct{}{}
	}
	for _, m := range members {
		if m != "" {
			set[m] = struct{}{}
		}
	}

	res := ContentNetwork{
		ContentID:   n.ContentID,
		MemberNodes: make([]string, 0, len(set)),
	}
	for m := range set {
		res.MemberNodes = append(res.MemberNodes, m)
	}
	sort.Strings(res.MemberNodes)
	return res
}

// Directory persists ContentNetworks and the capacity index.
type Directory struct {
	store  *kv.Store
	logger *logrus.Entry
}

// NewDirectory ...
func NewDirectory(store *kv.Store, logger *logrus.Entry) *Directory {
	return &Directory{
		store:  store,
		logger: logger.WithField("component", "directory"),
	}
}

// SaveNetwork writes network, merged with whatever members were already
// recorded for the same content.
func (d *Directory) SaveNetwork(network ContentNetwork) (ContentNetwork, error) {
	if network.ContentID == "" {
		return ContentNetwork{}, errors.New("empty content id")
	}

	var saved ContentNetwork
	merge := func(txn *kv.Txn) error {
		key := kv.Key(kv.NetworkPrefix, network.ContentID)

		var existing ContentNetwork
		err := kv.GetTx(txn, "ContentNetwork", key, &existing)
		switch {
		case cm.IsStore(err, cm.KeyNotFound):
			existing = ContentNetwork{ContentID: network.ContentID}
		case err != nil:
			return err
		}

		saved = existing.Merge(network.MemberNodes...)
		return kv.PutTx(txn, key, saved)
	}

	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		err = d.store.Update(merge)
		if !cm.IsStore(err, cm.Conflict) {
			break
		}
	}
	if err != nil {
		return ContentNetwork{}, err
	}

	d.logger.WithFields(logrus.Fields{
		"content_id": saved.ContentID,
		"members":    len(saved.MemberNodes),
	}).Debug("SaveNetwork")

	return saved, nil
}

// AddMember adds nodeID to the network of contentID, creating the network if
// it does not exist yet.
func (d *Directory) AddMember(contentID, nodeID string) (ContentNetwork, error) {
	return d.SaveNetwork(ContentNetwork{
		ContentID:   contentID,
		MemberNodes: []string{nodeID},
	})
}

// GetNetwork returns the network of contentID. The boolean is false when no
// network is recorded.
func (d *Directory) GetNetwork(contentID string) (ContentNetwork, bool, error) {
	var network ContentNetwork
	err := d.store.Get("ContentNetwork", kv.Key(kv.NetworkPrefix, contentID), &network)
	if cm.IsStore(err, cm.KeyNotFound) {
		return ContentNetwork{}, false, nil
	}
	if err != nil {
		return ContentNetwork{}, false, err
	}
	return network, true, nil
}

// ListNetworks returns every recorded network ordered by content id.
func (d *Directory) ListNetworks() ([]ContentNetwork, error) {
	res := []ContentNetwork{}
	err := d.store.Scan([]byte(kv.NetworkPrefix), func(key, value []byte) error {
		var network ContentNetwork
		if err := cm.Unmarshal(value, &network); err != nil {
			return cm.NewStoreErr("ContentNetwork", cm.Corrupted, string(key))
		}
		res = append(res, network)
		return nil
	})
	return res, err
}

// ListContentIDs returns the ids of all recorded networks.
func (d *Directory) ListContentIDs() ([]string, error) {
	return d.store.Keys([]byte(kv.NetworkPrefix))
}

// IndexByCapacity records that contentID needs required bytes of storage on
// any node that takes it on. Re-indexing replaces the previous entry.
func (d *Directory) IndexByCapacity(contentID string, required uint64) error {
	return d.store.Update(func(txn *kv.Txn) error {
		if err := removeIndexTx(txn, contentID); err != nil {
			return err
		}
		if err := kv.PutTx(txn, kv.Key(kv.CapacityReversePrefix, contentID), required); err != nil {
			return err
		}
		return txn.Set(kv.CapacityKey(required, contentID), []byte{})
	})
}

// RemoveFromIndex drops contentID from the capacity index.
func (d *Directory) RemoveFromIndex(contentID string) error {
	return d.store.Update(func(txn *kv.Txn) error {
		return removeIndexTx(txn, contentID)
	})
}

// FindAssignable returns up to limit content ids whose required capacity is
// at most available, smallest first. Networks that already count exclude as a
// member are skipped during the scan, so they never use up the limit. A limit
// <= 0 means no limit.
func (d *Directory) FindAssignable(available uint64, exclude string, limit int) ([]string, error) {
	res := []string{}

	// Every key below "<available+1>:" has required <= available. At the
	// top of the range, a prefix scan covers everything.
	to := []byte(kv.CapacityBound(available+1) + ":")
	if available == ^uint64(0) {
		to = []byte{0xff}
	}

	err := d.store.View(func(txn *kv.Txn) error {
		return kv.ScanRangeTx(txn, []byte(kv.CapacityPrefix), nil, to, func(key, _ []byte) error {
			cid := indexedContentID(key)

			if exclude != "" {
				member, err := hasMemberTx(txn, cid, exclude)
				if err != nil {
					return err
				}
				if member {
					return nil
				}
			}

			res = append(res, cid)
			if limit > 0 && len(res) >= limit {
				return kv.ErrStopScan
			}
			return nil
		})
	})
	return res, err
}

func hasMemberTx(txn *kv.Txn, contentID, nodeID string) (bool, error) {
	var network ContentNetwork
	err := kv.GetTx(txn, "ContentNetwork", kv.Key(kv.NetworkPrefix, contentID), &network)
	if cm.IsStore(err, cm.KeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return network.HasMember(nodeID), nil
}

// RequiredCapacity returns the indexed capacity of contentID.
func (d *Directory) RequiredCapacity(contentID string) (uint64, bool, error) {
	var required uint64
	err := d.store.Get("CapacityIndex", kv.Key(kv.CapacityReversePrefix, contentID), &required)
	if cm.IsStore(err, cm.KeyNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return required, true, nil
}

func removeIndexTx(txn *kv.Txn, contentID string) error {
	rev := kv.Key(kv.CapacityReversePrefix, contentID)

	var required uint64
	err := kv.GetTx(txn, "CapacityIndex", rev, &required)
	if cm.IsStore(err, cm.KeyNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := txn.Delete(kv.CapacityKey(required, contentID)); err != nil {
		return err
	}
	return txn.Delete(rev)
}

func indexedContentID(key []byte) string {
	s := strings.TrimPrefix(string(key), kv.CapacityPrefix)
	if i := strings.IndexByte(s, ':'); i >= 0 {
		return s[i+1:]
	}
	return s
}
