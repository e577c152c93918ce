package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	referenceScheme = "secret://"
	defaultVersion  = "latest"
)

// ErrNotFound indicates that the referenced secret or version does not exist.
var ErrNotFound = errors.New("secrets: secret not found")

var secretManagerClientFactory = func(ctx context.Context, opts ...option.ClientOption) (*secretmanager.Client, error) {
	return secretmanager.NewClient(ctx, opts...)
}

type secretManagerClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Fetcher resolves secret:// references against Google Secret Manager with
// in-process caching so repeated config loads do not hammer the API.
type Fetcher struct {
	client     secretManagerClient
	ownsClient bool

	logger        *zap.Logger
	defaultProjID string
	cacheTTL      time.Duration

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	value     string
	fetchedAt time.Time
}

type fetcherConfig struct {
	logger      *zap.Logger
	defaultProj string
	cacheTTL    time.Duration
	client      secretManagerClient
	clientOpts  []option.ClientOption
}

// Option customises Fetcher construction.
type Option func(*fetcherConfig)

// WithLogger sets the logger used for diagnostic output.
func WithLogger(logger *zap.Logger) Option {
	return func(cfg *fetcherConfig) {
		cfg.logger = logger
	}
}

// WithDefaultProject configures the project ID used when a reference omits one.
func WithDefaultProject(projectID string) Option {
	return func(cfg *fetcherConfig) {
		cfg.defaultProj = strings.TrimSpace(projectID)
	}
}

// WithCacheTTL bounds how long resolved secrets are served from cache.
func WithCacheTTL(ttl time.Duration) Option {
	return func(cfg *fetcherConfig) {
		if ttl > 0 {
			cfg.cacheTTL = ttl
		}
	}
}

// WithClient injects a pre-built Secret Manager client.
func WithClient(client secretManagerClient) Option {
	return func(cfg *fetcherConfig) {
		cfg.client = client
	}
}

// WithClientOptions forwards options to the Secret Manager client constructor.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(cfg *fetcherConfig) {
		cfg.clientOpts = append(cfg.clientOpts, opts...)
	}
}

// NewFetcher builds a Fetcher, creating a Secret Manager client unless one was injected.
func NewFetcher(ctx context.Context, opts ...Option) (*Fetcher, error) {
	cfg := fetcherConfig{
		logger:   zap.NewNop(),
		cacheTTL: 5 * time.Minute,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	fetcher := &Fetcher{
		client:        cfg.client,
		logger:        cfg.logger,
		defaultProjID: cfg.defaultProj,
		cacheTTL:      cfg.cacheTTL,
		cache:         make(map[string]cacheEntry),
	}
	if fetcher.client == nil {
		client, err := secretManagerClientFactory(ctx, cfg.clientOpts...)
		if err != nil {
			return nil, fmt.Errorf("secrets: create client: %w", err)
		}
		fetcher.client = client
		fetcher.ownsClient = true
	}
	return fetcher, nil
}

// ResolveSecret resolves a secret://[project/]name[@version] reference.
func (f *Fetcher) ResolveSecret(ctx context.Context, ref string) (string, error) {
	if f == nil || f.client == nil {
		return "", errors.New("secrets: fetcher is not initialised")
	}
	resource, err := f.resourceName(ref)
	if err != nil {
		return "", err
	}

	if value, ok := f.cached(resource); ok {
		return value, nil
	}

	resp, err := f.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: resource,
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return "", fmt.Errorf("%w: %s", ErrNotFound, resource)
		}
		return "", fmt.Errorf("secrets: access %s: %w", resource, err)
	}
	if resp.GetPayload() == nil {
		return "", fmt.Errorf("secrets: empty payload for %s", resource)
	}

	value := string(resp.GetPayload().GetData())
	f.store(resource, value)
	f.logger.Debug("secret resolved", zap.String("resource", resource))
	return value, nil
}

// Close releases the underlying client when this fetcher created it.
func (f *Fetcher) Close() error {
	if f == nil || !f.ownsClient || f.client == nil {
		return nil
	}
	return f.client.Close()
}

func (f *Fetcher) resourceName(ref string) (string, error) {
	trimmed := strings.TrimSpace(ref)
	if !strings.HasPrefix(trimmed, referenceScheme) {
		return "", fmt.Errorf("secrets: unsupported reference %q", ref)
	}

	body := strings.TrimPrefix(trimmed, referenceScheme)
	version := defaultVersion
	if at := strings.LastIndex(body, "@"); at >= 0 {
		if v := strings.TrimSpace(body[at+1:]); v != "" {
			version = v
		}
		body = body[:at]
	}

	project := f.defaultProjID
	name := body
	if slash := strings.Index(body, "/"); slash >= 0 {
		project = strings.TrimSpace(body[:slash])
		name = body[slash+1:]
	}
	project = strings.TrimSpace(project)
	name = strings.TrimSpace(name)
	if project == "" {
		return "", fmt.Errorf("secrets: reference %q has no project and no default project is configured", ref)
	}
	if name == "" {
		return "", fmt.Errorf("secrets: reference %q has no secret name", ref)
	}
	return fmt.Sprintf("projects/%s/secrets/%s/versions/%s", project, name, version), nil
}

func (f *Fetcher) cached(resource string) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	entry, ok := f.cache[resource]
	if !ok {
		return "", false
	}
	if f.cacheTTL > 0 && time.Since(entry.fetchedAt) > f.cacheTTL {
		return "", false
	}
	return entry.value, true
}

func (f *Fetcher) store(resource, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cache[resource] = cacheEntry{value: value, fetchedAt: time.Now()}
}
