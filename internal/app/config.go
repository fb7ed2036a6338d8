package app

import (
	"os"
	"strconv"
	"strings"

	"downpour/internal/option"
)

type Config struct {
	HTTPAddr        string
	MongoURI        string
	MongoDatabase   string
	MongoCollection string
	LogLevel        string
	LogFormat       string
	DownloadDir     string

	TickIntervalMs     int64
	PeerCheckIntervalS int64

	MaxDownloadLimit      int64 // bytes/s; 0 = unlimited
	MaxUploadLimit        int64 // bytes/s; 0 = unlimited
	BtRequestPeerSpeed    int64 // bytes/s admission threshold
	BtMaxPeers            int64
	BtMinPeers            int64
	ConnectTimeoutSeconds int64
	IOTimeoutSeconds      int64
	ProxyURL              string
	ProxyMethod           string
}

func LoadConfig() Config {
	return Config{
		HTTPAddr:        getEnv("HTTP_ADDR", ":8080"),
		MongoURI:        getEnv("MONGO_URI", ""),
		MongoDatabase:   getEnv("MONGO_DB", "downpour"),
		MongoCollection: getEnv("MONGO_COLLECTION", "results"),
		LogLevel:        strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:       strings.ToLower(getEnv("LOG_FORMAT", "text")),
		DownloadDir:     getEnv("DOWNLOAD_DIR", "downloads"),

		TickIntervalMs:     getEnvInt64("ENGINE_TICK_INTERVAL_MS", 100),
		PeerCheckIntervalS: getEnvInt64("PEER_CHECK_INTERVAL_S", 10),

		MaxDownloadLimit:      getEnvInt64("MAX_DOWNLOAD_LIMIT", 0),
		MaxUploadLimit:        getEnvInt64("MAX_UPLOAD_LIMIT", 0),
		BtRequestPeerSpeed:    getEnvInt64("BT_REQUEST_PEER_SPEED_LIMIT", 50*1024),
		BtMaxPeers:            getEnvInt64("BT_MAX_PEERS", 55),
		BtMinPeers:            getEnvInt64("BT_MIN_PEERS", 40),
		ConnectTimeoutSeconds: getEnvInt64("CONNECT_TIMEOUT_S", 60),
		IOTimeoutSeconds:      getEnvInt64("IO_TIMEOUT_S", 60),
		ProxyURL:              getEnv("HTTP_PROXY_URL", ""),
		ProxyMethod:           strings.ToLower(getEnv("HTTP_PROXY_METHOD", "")),
	}
}

// OptionSnapshot converts the process configuration into the read-only
// option store a new download is born with.
func (c Config) OptionSnapshot() map[string]string {
	return map[string]string{
		option.KeyMaxDownloadLimit:        strconv.FormatInt(c.MaxDownloadLimit, 10),
		option.KeyMaxUploadLimit:          strconv.FormatInt(c.MaxUploadLimit, 10),
		option.KeyBtRequestPeerSpeedLimit: strconv.FormatInt(c.BtRequestPeerSpeed, 10),
		option.KeyBtMaxPeers:              strconv.FormatInt(c.BtMaxPeers, 10),
		option.KeyBtMinPeers:              strconv.FormatInt(c.BtMinPeers, 10),
		option.KeyConnectTimeout:          strconv.FormatInt(c.ConnectTimeoutSeconds, 10),
		option.KeyTimeout:                 strconv.FormatInt(c.IOTimeoutSeconds, 10),
		option.KeyProxyMethod:             c.ProxyMethod,
		option.KeyHTTPProxy:               c.ProxyURL,
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fallback
	}
	if parsed < 0 {
		return fallback
	}
	return parsed
}
