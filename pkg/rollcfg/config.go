// Package rollcfg loads rollupcore's runtime configuration: storage paths,
// the batch engine's concurrency and timing parameters, and the state
// tree's depth. Layering: struct defaults, then an optional .env file,
// then explicit environment variable overrides, in that priority order.
package rollcfg

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Storage configures the Pebble-backed persistence layer.
type Storage struct {
	DBPath        string
	DustTablePath string
}

// Batch configures the transaction batch engine's concurrency and timing.
type Batch struct {
	// MaxConcurrentTx bounds the semaphore admitting transactions into the
	// execution pipeline concurrently.
	MaxConcurrentTx int
	// FinalizeInterval is how often the batch engine attempts to finalize
	// an open batch if it has not already hit its transaction cap.
	FinalizeInterval time.Duration
	// MaxBatchSize caps the number of transactions folded into one batch
	// before finalize is forced regardless of FinalizeInterval.
	MaxBatchSize int
	// BlockedOrderMaxWait bounds how long a transaction waits on another
	// in-flight fill of the same order_id before failing with a retryable
	// Internal error.
	BlockedOrderMaxWait time.Duration
}

// Tree configures the sparse Merkle state tree.
type Tree struct {
	Depth int
}

// API configures the non-goal-scoped RPC/WebSocket interface layer.
type API struct {
	ListenAddr string
}

// Config is the root configuration object threaded through node startup.
type Config struct {
	Storage Storage
	Batch   Batch
	Tree    Tree
	API     API
}

// Default returns the configuration a fresh devnet node boots with.
func Default() Config {
	return Config{
		Storage: Storage{
			DBPath:        "./data/rollupcore",
			DustTablePath: "./config/dust_table.json",
		},
		Batch: Batch{
			MaxConcurrentTx:     16,
			FinalizeInterval:    2 * time.Second,
			MaxBatchSize:        500,
			BlockedOrderMaxWait: 500 * time.Millisecond,
		},
		Tree: Tree{
			Depth: 32,
		},
		API: API{
			ListenAddr: ":8080",
		},
	}
}

// LoadFromEnv loads configuration starting from Default(), applying an
// optional .env file (loaded from envPath, or the current directory if
// envPath is empty) and then explicit environment variable overrides.
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if v := os.Getenv("ROLLUPCORE_DB_PATH"); v != "" {
		cfg.Storage.DBPath = v
	}
	if v := os.Getenv("ROLLUPCORE_DUST_TABLE_PATH"); v != "" {
		cfg.Storage.DustTablePath = v
	}
	if v := os.Getenv("ROLLUPCORE_MAX_CONCURRENT_TX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Batch.MaxConcurrentTx = n
		}
	}
	if v := os.Getenv("ROLLUPCORE_FINALIZE_INTERVAL_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.Batch.FinalizeInterval = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("ROLLUPCORE_MAX_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Batch.MaxBatchSize = n
		}
	}
	if v := os.Getenv("ROLLUPCORE_BLOCKED_ORDER_MAX_WAIT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.Batch.BlockedOrderMaxWait = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("ROLLUPCORE_TREE_DEPTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Tree.Depth = n
		}
	}
	if v := os.Getenv("ROLLUPCORE_API_LISTEN_ADDR"); v != "" {
		cfg.API.ListenAddr = v
	}

	return cfg
}
