package main

import (
	"context"
	"net/http"
	"sync"

	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/mahaj/pulsechat/pkg/auth"
	"github.com/mahaj/pulsechat/pkg/config"
	"github.com/mahaj/pulsechat/pkg/directory"
	"github.com/mahaj/pulsechat/pkg/httpapi"
	"github.com/mahaj/pulsechat/pkg/metrics"
	"github.com/mahaj/pulsechat/pkg/presence"
	"github.com/mahaj/pulsechat/pkg/relay"
	"github.com/mahaj/pulsechat/pkg/router"
	"github.com/mahaj/pulsechat/pkg/session"
	"github.com/mahaj/pulsechat/pkg/store"
)

// Hub owns everything one gateway node runs: the store, the registry and its
// Redis mirror, the routing engine, the relay loops and the live clients.
type Hub struct {
	cfg config.Config

	store     store.IMessageStore
	directory *directory.SQLDirectory
	registry  *presence.Registry
	lookup    presence.Lookup
	engine    *router.Engine
	sessions  *session.Manager
	issuer    *auth.Issuer

	promRegistry *prometheus.Registry
	metrics      *metrics.Metrics

	rdb       *redis.Client
	mirror    *presence.RedisMirror
	publisher *relay.Publisher
	consumer  *relay.Consumer

	upgrader websocket.Upgrader

	// parent of every connection context; cancelled by Close
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	clients map[*Client]struct{}
	wg      sync.WaitGroup
}

func NewHub(cfg config.Config) (*Hub, error) {
	st, err := cfg.OpenStore()
	if err != nil {
		return nil, err
	}
	dir, err := directory.Open(cfg.DirectoryDSN)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	h := &Hub{
		cfg:          cfg,
		store:        st,
		directory:    dir,
		issuer:       auth.NewIssuer(cfg.JWTSecret, auth.DefaultTTL),
		promRegistry: prometheus.NewRegistry(),
		clients:      make(map[*Client]struct{}),
	}
	h.metrics = metrics.New(h.promRegistry)
	h.ctx, h.cancel = context.WithCancel(context.Background())

	node := cfg.NodeName()
	if cfg.RedisAddr != "" {
		h.rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		h.mirror = presence.NewRedisMirror(h.rdb, node)
		h.registry = presence.NewRegistry(h.mirror)
		h.lookup = h.mirror
	} else {
		h.registry = presence.NewRegistry(nil)
		h.lookup = presence.Local{Registry: h.registry}
	}

	opts := []router.Option{router.WithObserver(dir)}
	if len(cfg.KafkaBrokers) > 0 {
		h.publisher = relay.NewPublisher(relay.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic), node)
		opts = append(opts, router.WithRelay(h.publisher))
	}
	h.engine = router.New(st, h.registry, h.metrics, opts...)
	if h.publisher != nil {
		h.consumer = relay.NewConsumer(relay.NewKafkaReader(cfg.KafkaBrokers, cfg.KafkaTopic, node), node, h.engine)
	}

	h.sessions = session.NewManager(h.registry, h.engine, h.metrics, session.Config{
		RateLimitBurst:  cfg.RateLimit.Burst,
		RateLimitRefill: cfg.RateLimit.RefillInterval,
	})

	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if cfg.OriginAllowed(r.Header.Get("Origin")) {
				return true
			}
			glog.Errorf("gateway: blocked websocket from origin %q", r.Header.Get("Origin"))
			return false
		},
	}

	glog.Infof("gateway: node %s, store %s, mirror %t, relay %t",
		node, cfg.StoreBackend, h.mirror != nil, h.publisher != nil)
	return h, nil
}

// Run drives the background loops until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	var wg sync.WaitGroup
	start := func(run func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run(ctx)
		}()
	}
	if h.mirror != nil {
		start(h.mirror.Run)
	}
	if h.publisher != nil {
		start(h.publisher.Run)
	}
	if h.consumer != nil {
		start(h.consumer.Run)
	}
	wg.Wait()
}

// Routes serves /ws and /metrics, plus the retrieval API when withAPI is set.
func (h *Hub) Routes(withAPI bool) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ws", h.serveWs)
	r.Handle("/metrics", metrics.Handler(h.promRegistry))
	if !withAPI {
		return r
	}
	httpapi.New(h.store, h.directory, h.lookup, h.issuer).Register(r)
	return httpapi.CORSMiddleware(r)
}

// register reports false once Close has started.
func (h *Hub) register(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ctx.Err() != nil {
		return false
	}
	h.clients[c] = struct{}{}
	h.wg.Add(1)
	return true
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	h.wg.Done()
}

// Close disconnects every client, waits for their pumps to finish and then
// releases the store, the directory and the Redis client. Call it after Run
// has returned.
func (h *Hub) Close() {
	h.mu.Lock()
	h.cancel()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		h.sessions.Close(c.session)
	}
	h.wg.Wait()

	if err := h.store.Close(); err != nil {
		glog.Errorf("gateway: close store error: %v", err)
	}
	if err := h.directory.Close(); err != nil {
		glog.Errorf("gateway: close directory error: %v", err)
	}
	if h.rdb != nil {
		_ = h.rdb.Close()
	}
	glog.Infof("gateway: closed %d clients", len(clients))
}
