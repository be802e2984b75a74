package config

import (
	"fmt"

	"github.com/golang/glog"

	"github.com/mahaj/pulsechat/pkg/db"
	"github.com/mahaj/pulsechat/pkg/snowflake"
	"github.com/mahaj/pulsechat/pkg/store"
	"github.com/mahaj/pulsechat/pkg/store/boltstore"
	"github.com/mahaj/pulsechat/pkg/store/scyllastore"
)

// OpenStore opens the message store selected by StoreBackend. Ids are
// generated by a snowflake node named after NodeID.
func (c Config) OpenStore() (store.IMessageStore, error) {
	node, err := snowflake.NewNode(c.NodeID)
	if err != nil {
		return nil, err
	}

	switch c.StoreBackend {
	case BackendMemory:
		glog.Warning("config: using the in-memory store, history is lost on restart")
		return store.NewMemoryStore(node), nil
	case BackendBolt:
		st, err := boltstore.Open(c.BoltPath, node)
		if err != nil {
			return nil, err
		}
		return st, nil
	case BackendScylla:
		session, err := db.NewSession(c.ScyllaHosts, c.ScyllaKeyspace)
		if err != nil {
			return nil, err
		}
		return scyllastore.New(session, node), nil
	}
	return nil, fmt.Errorf("unknown store backend %q", c.StoreBackend)
}
