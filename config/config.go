package config

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/spf13/viper"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/pairing/bn256"
	"go.dedis.ch/kyber/v3/share"
)

// Config collects everything a node needs to run: its identity, the
// cluster address book, key material, overlay parameters and timers.
type Config struct {
	Name string

	ClusterAddr          map[string]string // map from name to address
	ClusterPort          map[string]int    // map from name to p2p port
	ClusterAddrWithPorts map[string]uint8  // map from addr:port to index
	ClusterWeight        map[string]uint64 // map from name to voting weight

	// Used for ED25519 signature
	PublicKeyMap map[string]ed25519.PublicKey
	PrivateKey   ed25519.PrivateKey

	// Used for threshold signature
	TsPublicKey  *share.PubPoly
	TsPrivateKey *share.PriShare

	// Overlay parameters, identical on every node
	Seed          [32]byte
	CommitteeSize int
	EpochLength   uint64

	BaseTimeout time.Duration
	MaxTimeout  time.Duration

	LogLevel    int
	MaxPool     int
	BatchSize   int
	StoragePath string

	// Proposals larger than this are disseminated as erasure-coded chunks
	MaxPayloadBytes int

	IsFaulty bool
}

// New builds a Config programmatically. Used by the tests; production
// nodes load their config from a file via LoadConfig.
func New(name string, clusterAddr map[string]string, clusterPort map[string]int,
	clusterAddrWithPorts map[string]uint8, clusterWeight map[string]uint64,
	pubKeyMap map[string]ed25519.PublicKey, priKey ed25519.PrivateKey,
	tsPubKey *share.PubPoly, tsPriKey *share.PriShare, seed [32]byte,
	committeeSize int, epochLength uint64, baseTimeout time.Duration,
	logLevel, maxPool, batchSize int, storagePath string, isFaulty bool) *Config {
	return &Config{
		Name:                 name,
		ClusterAddr:          clusterAddr,
		ClusterPort:          clusterPort,
		ClusterAddrWithPorts: clusterAddrWithPorts,
		ClusterWeight:        clusterWeight,
		PublicKeyMap:         pubKeyMap,
		PrivateKey:           priKey,
		TsPublicKey:          tsPubKey,
		TsPrivateKey:         tsPriKey,
		Seed:                 seed,
		CommitteeSize:        committeeSize,
		EpochLength:          epochLength,
		BaseTimeout:          baseTimeout,
		MaxTimeout:           baseTimeout * 32,
		LogLevel:             logLevel,
		MaxPool:              maxPool,
		BatchSize:            batchSize,
		StoragePath:          storagePath,
		MaxPayloadBytes:      1 << 20,
		IsFaulty:             isFaulty,
	}
}

// LoadConfig reads the node configuration from the file identified by
// configName under configPath (or the working directory when empty).
func LoadConfig(configPath, configName string) (*Config, error) {
	viperConfig := viper.New()
	if configPath == "" {
		viperConfig.AddConfigPath("./")
	} else {
		viperConfig.AddConfigPath(configPath)
	}
	viperConfig.SetConfigName(configName)
	viperConfig.SetConfigType("yaml")

	if err := viperConfig.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	conf := &Config{
		Name:                 viperConfig.GetString("name"),
		ClusterAddr:          viperConfig.GetStringMapString("cluster_addr"),
		ClusterPort:          make(map[string]int),
		ClusterAddrWithPorts: make(map[string]uint8),
		ClusterWeight:        make(map[string]uint64),
		PublicKeyMap:         make(map[string]ed25519.PublicKey),
		CommitteeSize:        viperConfig.GetInt("committee_size"),
		EpochLength:          uint64(viperConfig.GetInt("epoch_length")),
		BaseTimeout:          viperConfig.GetDuration("base_timeout"),
		MaxTimeout:           viperConfig.GetDuration("max_timeout"),
		LogLevel:             viperConfig.GetInt("log_level"),
		MaxPool:              viperConfig.GetInt("max_pool"),
		BatchSize:            viperConfig.GetInt("batch_size"),
		StoragePath:          viperConfig.GetString("storage_path"),
		MaxPayloadBytes:      viperConfig.GetInt("max_payload_bytes"),
		IsFaulty:             viperConfig.GetBool("is_faulty"),
	}

	for name, port := range viperConfig.GetStringMapString("cluster_port") {
		p, err := parsePort(port)
		if err != nil {
			return nil, fmt.Errorf("parse port of %s: %w", name, err)
		}
		conf.ClusterPort[name] = p
	}
	index := uint8(0)
	for name, addr := range conf.ClusterAddr {
		conf.ClusterAddrWithPorts[fmt.Sprintf("%s:%d", addr, conf.ClusterPort[name])] = index
		index++
	}
	for name, weight := range viperConfig.GetStringMapString("cluster_weight") {
		w, err := parsePort(weight)
		if err != nil {
			return nil, fmt.Errorf("parse weight of %s: %w", name, err)
		}
		conf.ClusterWeight[name] = uint64(w)
	}

	seedAsBytes, err := hex.DecodeString(viperConfig.GetString("seed"))
	if err != nil || len(seedAsBytes) != 32 {
		return nil, fmt.Errorf("seed must be 32 hex-encoded bytes")
	}
	copy(conf.Seed[:], seedAsBytes)

	priKeyAsBytes, err := hex.DecodeString(viperConfig.GetString("private_key"))
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	conf.PrivateKey = priKeyAsBytes
	for name, pk := range viperConfig.GetStringMapString("public_key_map") {
		pkAsBytes, err := hex.DecodeString(pk)
		if err != nil {
			return nil, fmt.Errorf("decode public key of %s: %w", name, err)
		}
		conf.PublicKeyMap[name] = pkAsBytes
	}

	if conf.TsPrivateKey, err = decodePriShare(viperConfig.GetInt("ts_share_index"),
		viperConfig.GetString("ts_share")); err != nil {
		return nil, err
	}
	if conf.TsPublicKey, err = decodePubPoly(viperConfig.GetStringSlice("ts_public_poly")); err != nil {
		return nil, err
	}

	if conf.MaxTimeout == 0 {
		conf.MaxTimeout = conf.BaseTimeout * 32
	}
	if conf.MaxPayloadBytes == 0 {
		conf.MaxPayloadBytes = 1 << 20
	}
	return conf, nil
}

func parsePort(s string) (int, error) {
	var p int
	_, err := fmt.Sscanf(s, "%d", &p)
	return p, err
}

func decodePriShare(index int, shareAsHex string) (*share.PriShare, error) {
	shareAsBytes, err := hex.DecodeString(shareAsHex)
	if err != nil {
		return nil, fmt.Errorf("decode threshold share: %w", err)
	}
	suite := bn256.NewSuiteG2()
	scalar := suite.G2().Scalar()
	if err = scalar.UnmarshalBinary(shareAsBytes); err != nil {
		return nil, fmt.Errorf("unmarshal threshold share: %w", err)
	}
	return &share.PriShare{I: index, V: scalar}, nil
}

func decodePubPoly(commitsAsHex []string) (*share.PubPoly, error) {
	suite := bn256.NewSuiteG2()
	commits := make([]kyber.Point, len(commitsAsHex))
	for i, c := range commitsAsHex {
		commitAsBytes, err := hex.DecodeString(c)
		if err != nil {
			return nil, fmt.Errorf("decode public poly commit %d: %w", i, err)
		}
		point := suite.G2().Point()
		if err = point.UnmarshalBinary(commitAsBytes); err != nil {
			return nil, fmt.Errorf("unmarshal public poly commit %d: %w", i, err)
		}
		commits[i] = point
	}
	return share.NewPubPoly(suite.G2(), suite.G2().Point().Base(), commits), nil
}
