package db

import (
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/golang/glog"
)

type Session struct {
	*gocql.Session
}

func NewSession(hosts []string, keyspace string) (*Session, error) {
	cluster := gocql.NewCluster(hosts...)
	cluster.Keyspace = keyspace
	cluster.Consistency = gocql.Quorum
	cluster.Timeout = 5 * time.Second
	cluster.ConnectTimeout = 5 * time.Second

	// Retry policy
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		NumRetries: 3,
		Min:        100 * time.Millisecond,
		Max:        1 * time.Second,
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, err
	}

	glog.Infof("connected to ScyllaDB cluster %v, keyspace %s", hosts, keyspace)
	return &Session{Session: session}, nil
}

var tables = []string{
	// Partitioned by conversation key (dm:a:b or room:id), clustered by id so a
	// partition scan returns insertion order.
	`CREATE TABLE IF NOT EXISTS messages_by_conversation (
		conv_key text,
		id bigint,
		sender text,
		receiver text,
		room_id text,
		body text,
		created_at timestamp,
		deleted boolean,
		PRIMARY KEY (conv_key, id)
	) WITH CLUSTERING ORDER BY (id ASC)`,

	// Resolves an id to its partition for Get and SoftDelete.
	`CREATE TABLE IF NOT EXISTS message_index (
		id bigint PRIMARY KEY,
		conv_key text
	)`,
}

// CreateSchema creates the keyspace and tables. It connects to the system
// keyspace first because the target keyspace may not exist yet.
func CreateSchema(hosts []string, keyspace string, replication int) error {
	sys, err := NewSession(hosts, "system")
	if err != nil {
		return fmt.Errorf("connect system keyspace: %v", err)
	}
	q := fmt.Sprintf(`CREATE KEYSPACE IF NOT EXISTS %s WITH REPLICATION = { 'class' : 'SimpleStrategy', 'replication_factor' : %d }`,
		keyspace, replication)
	err = sys.Query(q).Exec()
	sys.Close()
	if err != nil {
		return fmt.Errorf("create keyspace: %v", err)
	}

	session, err := NewSession(hosts, keyspace)
	if err != nil {
		return err
	}
	defer session.Close()

	for _, stmt := range tables {
		if err := session.Query(stmt).Exec(); err != nil {
			return fmt.Errorf("create table: %v", err)
		}
	}
	glog.Infof("schema ready in keyspace %s", keyspace)
	return nil
}

// DropSchema drops the message tables.
func DropSchema(hosts []string, keyspace string) error {
	session, err := NewSession(hosts, keyspace)
	if err != nil {
		return err
	}
	defer session.Close()

	for _, table := range []string{"messages_by_conversation", "message_index"} {
		glog.Infof("dropping table %s", table)
		if err := session.Query("DROP TABLE IF EXISTS " + table).Exec(); err != nil {
			return fmt.Errorf("drop table %s: %v", table, err)
		}
	}
	return nil
}
