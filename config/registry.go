package config

import (
	"hash/crc32"
	"log"
	"net"
	"sort"
	"sync"

	"github.com/dropbox/godropbox/errors"

	"github.com/kettlemc/kettlemc/memcache"
	"github.com/kettlemc/kettlemc/netpool"
	"github.com/kettlemc/kettlemc/transcoder"
)

type KeyTransformerFactory func() memcache.KeyTransformer

type TranscoderFactory func() transcoder.Transcoder

// Builds a shard manager for the configured servers.  The factory owns
// wiring the pool options into whichever locator strategy it implements.
type NodeLocatorFactory func(
	servers []string,
	options netpool.ConnectionOptions) memcache.ShardManager

type registry struct {
	mutex sync.Mutex

	keyTransformers map[string]KeyTransformerFactory
	transcoders     map[string]TranscoderFactory
	nodeLocators    map[string]NodeLocatorFactory
	protocols       map[string]memcache.ClientShardFactory
}

var providers = &registry{
	keyTransformers: map[string]KeyTransformerFactory{
		"identity":  memcache.NewIdentityKeyTransformer,
		"lowercase": memcache.NewLowercaseKeyTransformer,
		"sha1":      memcache.NewSha1KeyTransformer,
	},
	transcoders: map[string]TranscoderFactory{
		"default": transcoder.NewDefaultTranscoder,
	},
	nodeLocators: map[string]NodeLocatorFactory{
		"ketama":      newKetamaLocator,
		"single-node": newSingleNodeLocator,
		"static":      newStaticLocator,
	},
	protocols: map[string]memcache.ClientShardFactory{
		"binary": memcache.NewRawBinaryClient,
		"text":   memcache.NewRawAsciiClient,
	},
}

func logHooks(
	options netpool.ConnectionOptions) (
	func(err error),
	func(v ...interface{})) {

	logError := options.LogError
	if logError == nil {
		logError = func(err error) { log.Print(err) }
	}
	logInfo := options.LogInfo
	if logInfo == nil {
		logInfo = log.Print
	}
	return logError, logInfo
}

func newKetamaLocator(
	servers []string,
	options netpool.ConnectionOptions) memcache.ShardManager {

	logError, logInfo := logHooks(options)
	return memcache.NewKetamaShardManager(
		servers,
		logError,
		logInfo,
		options)
}

// With exactly one server the ring buys nothing; the single-node
// locator pins every key to shard zero.
func newSingleNodeLocator(
	servers []string,
	options netpool.ConnectionOptions) memcache.ShardManager {

	logError, logInfo := logHooks(options)
	return memcache.NewStaticShardManager(
		servers[:1],
		func(key string, numShard int) int { return 0 },
		logError,
		logInfo,
		options)
}

func newStaticLocator(
	servers []string,
	options netpool.ConnectionOptions) memcache.ShardManager {

	logError, logInfo := logHooks(options)
	return memcache.NewStaticShardManager(
		servers,
		func(key string, numShard int) int {
			if numShard == 0 {
				return -1
			}
			return int(crc32.ChecksumIEEE([]byte(key))) % numShard
		},
		logError,
		logInfo,
		options)
}

func knownNames[T any](entries map[string]T) []string {
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// This registers a custom key transformer under the given name,
// overwriting any previous registration.
func RegisterKeyTransformer(name string, factory KeyTransformerFactory) {
	providers.mutex.Lock()
	defer providers.mutex.Unlock()
	providers.keyTransformers[name] = factory
}

// This registers a custom transcoder under the given name.
func RegisterTranscoder(name string, factory TranscoderFactory) {
	providers.mutex.Lock()
	defer providers.mutex.Unlock()
	providers.transcoders[name] = factory
}

// This registers a custom node locator under the given name.
func RegisterNodeLocator(name string, factory NodeLocatorFactory) {
	providers.mutex.Lock()
	defer providers.mutex.Unlock()
	providers.nodeLocators[name] = factory
}

func lookupKeyTransformer(name string) (KeyTransformerFactory, error) {
	providers.mutex.Lock()
	defer providers.mutex.Unlock()

	factory, inMap := providers.keyTransformers[name]
	if !inMap {
		return nil, errors.Newf(
			"Unknown key transformer %q (known: %v)",
			name,
			knownNames(providers.keyTransformers))
	}
	return factory, nil
}

func lookupTranscoder(name string) (TranscoderFactory, error) {
	providers.mutex.Lock()
	defer providers.mutex.Unlock()

	factory, inMap := providers.transcoders[name]
	if !inMap {
		return nil, errors.Newf(
			"Unknown transcoder %q (known: %v)",
			name,
			knownNames(providers.transcoders))
	}
	return factory, nil
}

func lookupNodeLocator(name string) (NodeLocatorFactory, error) {
	providers.mutex.Lock()
	defer providers.mutex.Unlock()

	factory, inMap := providers.nodeLocators[name]
	if !inMap {
		return nil, errors.Newf(
			"Unknown node locator %q (known: %v)",
			name,
			knownNames(providers.nodeLocators))
	}
	return factory, nil
}

func lookupProtocol(name string) (memcache.ClientShardFactory, error) {
	providers.mutex.Lock()
	defer providers.mutex.Unlock()

	factory, inMap := providers.protocols[name]
	if !inMap {
		return nil, errors.Newf(
			"Unknown protocol %q (known: %v)",
			name,
			knownNames(providers.protocols))
	}
	return factory, nil
}

// This assembles a ready-to-use cache client from the configuration.
// The returned shard manager owns the connection pools; callers must
// Close it on shutdown.
func Build(cfg Config) (*memcache.CacheClient, memcache.ShardManager, error) {
	if err := cfg.validate(); err != nil {
		return nil, nil, err
	}

	keyFactory, err := lookupKeyTransformer(cfg.KeyTransformer)
	if err != nil {
		return nil, nil, err
	}
	transFactory, err := lookupTranscoder(cfg.Transcoder)
	if err != nil {
		return nil, nil, err
	}
	locatorFactory, err := lookupNodeLocator(cfg.NodeLocator)
	if err != nil {
		return nil, nil, err
	}
	protocolFactory, err := lookupProtocol(cfg.Protocol)
	if err != nil {
		return nil, nil, err
	}

	options := cfg.connectionOptions()
	if cfg.Authentication != nil {
		auth := memcache.NewPlainAuthenticator(
			cfg.Authentication.Username,
			cfg.Authentication.Password)
		options.AfterConnect = func(
			conn net.Conn,
			addr netpool.NetworkAddress) error {

			return auth.Authenticate(conn)
		}
	}

	manager := locatorFactory(cfg.Servers, options)
	client := memcache.NewShardedClient(manager, protocolFactory)

	cache := memcache.NewCacheClientWithOptions(
		client,
		memcache.CacheClientOptions{
			Transcoder:     transFactory(),
			KeyTransformer: keyFactory(),
		})

	return cache, manager, nil
}
