package main

import (
	"flag"

	"github.com/golang/glog"

	"github.com/mahaj/pulsechat/pkg/config"
	"github.com/mahaj/pulsechat/pkg/db"
)

var (
	envFile     = flag.String("env", ".env", "optional .env file read before the environment")
	drop        = flag.Bool("drop", false, "drop the message tables instead of creating them")
	replication = flag.Int("replication", 1, "replication factor for a new keyspace")
)

func main() {
	flag.Parse()
	defer glog.Flush()

	cfg, err := config.Load(*envFile)
	if err != nil {
		glog.Exitf("migrate: load config: %v", err)
	}

	if *drop {
		if err := db.DropSchema(cfg.ScyllaHosts, cfg.ScyllaKeyspace); err != nil {
			glog.Exitf("migrate: %v", err)
		}
		glog.Info("migrate: tables dropped")
		return
	}

	if err := db.CreateSchema(cfg.ScyllaHosts, cfg.ScyllaKeyspace, *replication); err != nil {
		glog.Exitf("migrate: %v", err)
	}
}
