package config

// StoreDriver selects the durable post store.
type StoreDriver string

const (
	StoreMemory StoreDriver = "memory"
	StoreJSONL  StoreDriver = "jsonl"
	StoreSQLite StoreDriver = "sqlite"
)

// CacheBackend selects the ordered timeline cache.
type CacheBackend string

const (
	CacheRedis  CacheBackend = "redis"
	CachePebble CacheBackend = "pebble"
	CacheNone   CacheBackend = "none"
)

// BusTransport selects the cross-instance event channel.
type BusTransport string

const (
	BusMemory BusTransport = "memory"
	BusRedis  BusTransport = "redis"
	BusZMQ    BusTransport = "zmq"
)

var (
	ValidStoreDrivers  = []StoreDriver{StoreMemory, StoreJSONL, StoreSQLite}
	ValidCacheBackends = []CacheBackend{CacheRedis, CachePebble, CacheNone}
	ValidBusTransports = []BusTransport{BusMemory, BusRedis, BusZMQ}

	// DefaultAllowedOrigins are the local development front ends.
	DefaultAllowedOrigins = []string{
		"http://localhost:3000",
		"http://localhost:5173",
		"http://127.0.0.1:3000",
		"http://127.0.0.1:5173",
	}
)
