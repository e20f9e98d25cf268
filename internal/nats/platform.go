package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"permstate/internal/models"
	"permstate/internal/permissions"
)

// KVConfig holds configuration for the KV-backed platform
type KVConfig struct {
	ServerURL    string
	BucketName   string
	Embedded     bool
	DataDir      string
	NodeType     string // "center" or "leaf"
	CenterURL    string // URL of center node (for leaf nodes)
	LeafPort     int    // Port for leaf connections (for center nodes)
	ClusterPort  int    // Port for cluster connections (for center nodes)
	StartTimeout string // Startup wait duration, e.g., "30s"
	MaxMemory    int64  // JetStream memory limit for an embedded center, bytes
	MaxStore     int64  // JetStream storage limit for an embedded center, bytes
}

// record is the JSON value stored under each permission key
type record struct {
	Name      string                 `json:"name"`
	State     models.PermissionState `json:"state"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// Platform is a simulated host permission API whose states live in a NATS
// KV bucket. Query reads a key, change listeners watch it.
type Platform struct {
	config KVConfig
	logger zerolog.Logger
	server *server.Server
	conn   *nats.Conn
	js     jetstream.JetStream
	kv     jetstream.KeyValue
}

var _ permissions.Platform = (*Platform)(nil)

// NewPlatform connects to (or embeds) a NATS server and opens the bucket
func NewPlatform(config KVConfig, logger zerolog.Logger) (*Platform, error) {
	p := &Platform{
		config: config,
		logger: logger.With().Str("component", "NATSPlatform").Logger(),
	}

	nodeType := config.NodeType
	if nodeType == "" {
		nodeType = "center"
	}
	if nodeType == "leaf" && config.CenterURL == "" {
		return nil, fmt.Errorf("leaf nodes must specify center URL for KV operations")
	}

	// Start embedded server if configured
	if config.Embedded {
		if err := p.startEmbeddedServer(); err != nil {
			return nil, fmt.Errorf("failed to start embedded server: %w", err)
		}
	}

	serverURL := p.config.ServerURL
	if nodeType == "leaf" {
		// Leaf nodes read permission state from the center node
		serverURL = config.CenterURL
	} else if serverURL == "" {
		serverURL = nats.DefaultURL
	}

	conn, err := nats.Connect(serverURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		p.cleanup()
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	p.conn = conn

	js, err := jetstream.New(conn)
	if err != nil {
		p.cleanup()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	p.js = js

	bucketName := config.BucketName
	if bucketName == "" {
		bucketName = "permissions"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Only center nodes create the bucket
	if nodeType == "center" {
		kv, err := js.CreateKeyValue(ctx, jetstream.KeyValueConfig{Bucket: bucketName, History: 1})
		if err != nil {
			kv, err = js.KeyValue(ctx, bucketName)
			if err != nil {
				p.cleanup()
				return nil, fmt.Errorf("failed to create/get KV bucket: %w", err)
			}
		}
		p.kv = kv
	} else {
		kv, err := js.KeyValue(ctx, bucketName)
		if err != nil {
			p.cleanup()
			return nil, fmt.Errorf("failed to access KV bucket: %w", err)
		}
		p.kv = kv
	}

	p.logger.Info().Str("url", serverURL).Str("bucket", bucketName).Str("node_type", nodeType).Msg("permission platform ready")
	return p, nil
}

// Supported reports whether the platform can answer queries
func (p *Platform) Supported() bool {
	return p.kv != nil && p.conn != nil && !p.conn.IsClosed()
}

// Query reads the current state and returns a handle that can watch it
func (p *Platform) Query(ctx context.Context, desc models.Descriptor) (permissions.StatusHandle, error) {
	name := desc.Key()
	state, revision, err := p.get(ctx, name)
	if err != nil {
		return nil, err
	}
	return newStatusHandle(p, name, state, revision), nil
}

// GetState returns the stored state, prompt when none was ever written
func (p *Platform) GetState(ctx context.Context, name string) (models.PermissionState, error) {
	state, _, err := p.get(ctx, name)
	return state, err
}

// SetState writes a permission state into the bucket
func (p *Platform) SetState(ctx context.Context, name string, state models.PermissionState) error {
	if !state.IsValid() {
		return fmt.Errorf("invalid permission state %q", state)
	}

	data, err := json.Marshal(record{Name: name, State: state, UpdatedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal permission state: %w", err)
	}

	if _, err := p.kv.Put(ctx, permissionKey(name), data); err != nil {
		return fmt.Errorf("failed to put permission state: %w", err)
	}
	return nil
}

// Delete forgets a permission, which reads back as prompt
func (p *Platform) Delete(ctx context.Context, name string) error {
	err := p.kv.Delete(ctx, permissionKey(name))
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("failed to delete permission state: %w", err)
	}
	return nil
}

// Ready checks connectivity to the bucket
func (p *Platform) Ready(ctx context.Context) error {
	if !p.Supported() {
		return errors.New("permission platform not connected")
	}
	if _, err := p.kv.Status(ctx); err != nil {
		return fmt.Errorf("permission bucket unavailable: %w", err)
	}
	return nil
}

// URL returns the client URL of the embedded server, if any
func (p *Platform) URL() string {
	return p.config.ServerURL
}

// Close closes the connection and shuts down the embedded server
func (p *Platform) Close() error {
	return p.cleanup()
}

func (p *Platform) get(ctx context.Context, name string) (models.PermissionState, uint64, error) {
	entry, err := p.kv.Get(ctx, permissionKey(name))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return models.StatePrompt, 0, nil
		}
		return "", 0, fmt.Errorf("failed to get permission %s: %w", name, err)
	}

	state, err := decodeEntry(entry)
	if err != nil {
		return "", 0, err
	}
	return state, entry.Revision(), nil
}

// decodeEntry maps a KV entry to a state. Deletes read as prompt.
func decodeEntry(entry jetstream.KeyValueEntry) (models.PermissionState, error) {
	if entry.Operation() != jetstream.KeyValuePut || len(entry.Value()) == 0 {
		return models.StatePrompt, nil
	}

	var rec record
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		return "", fmt.Errorf("failed to unmarshal permission state: %w", err)
	}
	if !rec.State.IsValid() {
		return "", fmt.Errorf("invalid permission state %q stored for %s", rec.State, rec.Name)
	}
	return rec.State, nil
}

// permissionKey generates a KV key for a permission name
func permissionKey(name string) string {
	return "perm." + strings.TrimSpace(name)
}

// startEmbeddedServer starts an embedded NATS server
func (p *Platform) startEmbeddedServer() error {
	nodeType := p.config.NodeType
	if nodeType == "" {
		nodeType = "center"
	}

	opts := &server.Options{
		Host:       "127.0.0.1",
		Port:       -1,
		JetStream:  nodeType == "center",
		ServerName: fmt.Sprintf("%s-%d", nodeType, time.Now().UnixNano()),
		NoSigs:     true,
	}

	if nodeType == "center" {
		if p.config.DataDir != "" {
			if err := ensureDirectory(p.config.DataDir); err != nil {
				return fmt.Errorf("failed to ensure data directory: %w", err)
			}
			opts.StoreDir = p.config.DataDir
		}
		opts.JetStreamMaxMemory = 32 * 1024 * 1024
		opts.JetStreamMaxStore = 256 * 1024 * 1024
		if p.config.MaxMemory > 0 {
			opts.JetStreamMaxMemory = p.config.MaxMemory
		}
		if p.config.MaxStore > 0 {
			opts.JetStreamMaxStore = p.config.MaxStore
		}

		if p.config.LeafPort > 0 {
			opts.LeafNode.Host = "0.0.0.0"
			opts.LeafNode.Port = p.config.LeafPort
		}
		if p.config.ClusterPort > 0 {
			opts.Cluster.Host = "0.0.0.0"
			opts.Cluster.Port = p.config.ClusterPort
			opts.Cluster.Name = "permstate-cluster"
		}
	} else if nodeType == "leaf" && p.config.CenterURL != "" {
		centerURL, err := url.Parse(p.config.CenterURL)
		if err != nil {
			return fmt.Errorf("invalid center URL: %w", err)
		}
		opts.LeafNode.Remotes = []*server.RemoteLeafOpts{{URLs: []*url.URL{centerURL}}}
	}

	p.logger.Info().Str("node_type", nodeType).Str("data_dir", p.config.DataDir).Bool("jetstream", opts.JetStream).Msg("starting embedded NATS")

	ns, err := server.NewServer(opts)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	go ns.Start()

	timeout := 15 * time.Second
	if nodeType == "center" {
		timeout = 30 * time.Second
	}
	if p.config.StartTimeout != "" {
		if d, err := time.ParseDuration(p.config.StartTimeout); err == nil && d > 0 {
			timeout = d
		}
	}

	if !ns.ReadyForConnections(timeout) {
		ns.Shutdown()
		return fmt.Errorf("server failed to start within %v (node type: %s)", timeout, nodeType)
	}

	p.server = ns
	p.config.ServerURL = ns.ClientURL()
	p.logger.Info().Str("url", p.config.ServerURL).Msg("embedded NATS started")
	return nil
}

// cleanup closes connections and shuts down embedded server
func (p *Platform) cleanup() error {
	if p.conn != nil {
		p.conn.Close()
	}

	if p.server != nil {
		p.server.Shutdown()
		p.server.WaitForShutdown()
	}

	return nil
}

// ensureDirectory creates the directory if it doesn't exist and verifies it's writable
func ensureDirectory(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	testFile := filepath.Join(dir, ".write-test")
	f, err := os.Create(testFile)
	if err != nil {
		return fmt.Errorf("directory not writable: %w", err)
	}
	f.Close()
	os.Remove(testFile)

	return nil
}
