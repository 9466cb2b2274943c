// Package entropy supplies the seeds behind every stochastic choice in the
// tavern: footfall noise, customer draws, dialogue picks and drink timers.
// A fixed seed replays a day exactly; seed 0 asks for fresh entropy from
// random.org when a key is configured, falling back to crypto/rand.
package entropy

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	mrand "math/rand"
	"net/http"
	"sync"
	"time"
)

// DefaultEndpoint is the random.org JSON-RPC endpoint.
const DefaultEndpoint = "https://api.random.org/json-rpc/4/invoke"

// Client draws true random integers from random.org with a local pool.
type Client struct {
	apiKey   string
	endpoint string
	client   *http.Client

	mu   sync.Mutex
	pool []int64
}

// NewClient creates a random.org client. Returns nil if apiKey is empty.
func NewClient(apiKey string) *Client {
	if apiKey == "" {
		return nil
	}
	return &Client{
		apiKey:   apiKey,
		endpoint: DefaultEndpoint,
		client:   &http.Client{Timeout: 15 * time.Second},
	}
}

// WithEndpoint points the client at another JSON-RPC URL.
func (c *Client) WithEndpoint(url string) *Client {
	if c != nil {
		c.endpoint = url
	}
	return c
}

// Enabled reports whether the client has an API key.
func (c *Client) Enabled() bool {
	return c != nil && c.apiKey != ""
}

// Int63 returns a non-negative random int64, refilling from random.org
// when the pool is low. Falls back to crypto/rand on API failure.
func (c *Client) Int63() int64 {
	if !c.Enabled() {
		return cryptoInt63()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.pool) == 0 {
		if err := c.refill(); err != nil {
			slog.Debug("random.org unavailable, using crypto/rand", "error", err)
		}
	}
	if len(c.pool) == 0 {
		return cryptoInt63()
	}

	val := c.pool[0]
	c.pool = c.pool[1:]
	return val
}

// refill asks for pairs of 31-bit integers and packs each pair into one value.
func (c *Client) refill() error {
	req := map[string]any{
		"jsonrpc": "2.0",
		"method":  "generateIntegers",
		"params": map[string]any{
			"apiKey": c.apiKey,
			"n":      16,
			"min":    0,
			"max":    1<<31 - 1,
		},
		"id": 1,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	resp, err := c.client.Post(c.endpoint, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}

	var result struct {
		Result struct {
			Random struct {
				Data []int64 `json:"data"`
			} `json:"random"`
		} `json:"result"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	if result.Error != nil {
		return fmt.Errorf("api: %s", result.Error.Message)
	}

	data := result.Result.Random.Data
	for i := 0; i+1 < len(data); i += 2 {
		c.pool = append(c.pool, data[i]<<32|data[i+1])
	}
	slog.Debug("random.org pool refilled", "count", len(data)/2)
	return nil
}

func cryptoInt63() int64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return time.Now().UnixNano() & (1<<63 - 1)
	}
	return int64(binary.LittleEndian.Uint64(buf[:]) >> 1)
}

// CryptoFloat returns a random float in [0, 1) using crypto/rand.
func CryptoFloat() float64 {
	return float64(cryptoInt63()>>10) / float64(1<<53)
}

// Seed returns configured when non-zero, otherwise a fresh seed from c
// (which may be nil).
func Seed(configured int64, c *Client) int64 {
	if configured != 0 {
		return configured
	}
	s := c.Int63()
	if s == 0 {
		s = 1
	}
	return s
}

// Stream identifies an independent random stream derived from the day seed.
type Stream uint64

const (
	StreamFootfall Stream = iota + 1
	StreamPool
	StreamDialogue
	StreamService
	StreamAutopilot
)

// Derive mixes seed and stream into a new seed so each subsystem draws from
// its own sequence and adding draws in one does not shift the others.
func Derive(seed int64, s Stream) int64 {
	z := uint64(seed) + uint64(s)*0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	z ^= z >> 31
	return int64(z >> 1)
}

// NewRand returns a generator for stream s of seed.
func NewRand(seed int64, s Stream) *mrand.Rand {
	return mrand.New(mrand.NewSource(Derive(seed, s)))
}
