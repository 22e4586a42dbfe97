package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/petervdpas/goopchat/internal/util"
)

type Config struct {
	Identity Identity `json:"identity"`
	Profile  Profile  `json:"profile"`
	P2P      P2P      `json:"p2p"`
	Presence Presence `json:"presence"`
	Chat     Chat     `json:"chat"`
	Call     Call     `json:"call"`
	Storage  Storage  `json:"storage"`
	Viewer   Viewer   `json:"viewer"`
	Log      Log      `json:"log"`
}

type Identity struct {
	KeyFile string `json:"key_file"`
}

// Profile is the local user. UserID is the identity the signaling
// connection and the presence topic are keyed by.
type Profile struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

type P2P struct {
	ListenPort int      `json:"listen_port"`
	MdnsTag    string   `json:"mdns_tag"`
	Bootstrap  []string `json:"bootstrap"` // multiaddrs including /p2p/<id>
	Relays     []string `json:"relays"`
}

type Presence struct {
	Topic        string `json:"topic"`
	TTLSec       int    `json:"ttl_seconds"`
	HeartbeatSec int    `json:"heartbeat_seconds"`

	// Delay between attempts to rejoin the presence topic after it dropped.
	ResubscribeSec int `json:"resubscribe_seconds"`
}

type Chat struct {
	TypingExpiryMS   int  `json:"typing_expiry_ms"`
	TypingThrottleMS int  `json:"typing_throttle_ms"`
	MarkReadOnOpen   bool `json:"mark_read_on_open"`
}

type Call struct {
	PlaceTimeoutSec int      `json:"place_timeout_seconds"`
	StatusLingerSec int      `json:"status_linger_seconds"`
	STUNServers     []string `json:"stun_servers"`
	PreferredCam    string   `json:"preferred_cam"`
	PreferredMic    string   `json:"preferred_mic"`
	HistorySize     int      `json:"history_size"`
}

type Storage struct {
	DBFile string `json:"db_file"`
	// Committed rows are exchanged with other peers on this topic.
	ReplicaTopic string `json:"replica_topic"`
	CatchUpLimit int    `json:"catch_up_limit"`
}

type Viewer struct {
	HTTPAddr string `json:"http_addr"`
}

type Log struct {
	Level      string            `json:"level"`
	Subsystems map[string]string `json:"subsystems,omitempty"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			KeyFile: "data/identity.key",
		},
		Profile: Profile{
			Username: "hello",
		},
		P2P: P2P{
			ListenPort: 0,
			MdnsTag:    "goopchat-mdns",
		},
		Presence: Presence{
			Topic:          "online-users",
			TTLSec:         20,
			HeartbeatSec:   5,
			ResubscribeSec: 3,
		},
		Chat: Chat{
			TypingExpiryMS:   3500,
			TypingThrottleMS: 2000,
			MarkReadOnOpen:   true,
		},
		Call: Call{
			PlaceTimeoutSec: 30,
			StatusLingerSec: 3,
			STUNServers:     []string{"stun:stun.l.google.com:19302"},
			HistorySize:     50,
		},
		Storage: Storage{
			DBFile:       "data/chat.db",
			ReplicaTopic: "store-sync",
			CatchUpLimit: 500,
		},
		Viewer: Viewer{
			HTTPAddr: "127.0.0.1:8790",
		},
		Log: Log{
			Level: "info",
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	if strings.TrimSpace(c.Identity.KeyFile) == "" {
		return errors.New("identity.key_file is required")
	}

	// Profile
	if strings.TrimSpace(c.Profile.UserID) == "" {
		return errors.New("profile.user_id is required")
	}
	if _, err := util.ValidateUsername(c.Profile.Username); err != nil {
		return fmt.Errorf("profile.username: %w", err)
	}

	// P2P
	if c.P2P.ListenPort < 0 || c.P2P.ListenPort > 65535 {
		return errors.New("p2p.listen_port must be 0..65535")
	}
	if strings.TrimSpace(c.P2P.MdnsTag) == "" {
		return errors.New("p2p.mdns_tag is required")
	}
	for _, s := range c.P2P.Bootstrap {
		if _, err := ma.NewMultiaddr(s); err != nil {
			return fmt.Errorf("p2p.bootstrap %q: %w", s, err)
		}
	}
	for _, s := range c.P2P.Relays {
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			return fmt.Errorf("p2p.relays %q: %w", s, err)
		}
		if _, err := a.ValueForProtocol(ma.P_P2P); err != nil {
			return fmt.Errorf("p2p.relays %q: missing /p2p/<id>", s)
		}
	}

	// Presence
	if strings.TrimSpace(c.Presence.Topic) == "" {
		return errors.New("presence.topic is required")
	}
	if c.Presence.TTLSec <= 0 {
		return errors.New("presence.ttl_seconds must be > 0")
	}
	if c.Presence.HeartbeatSec <= 0 {
		return errors.New("presence.heartbeat_seconds must be > 0")
	}
	if c.Presence.HeartbeatSec >= c.Presence.TTLSec {
		return errors.New("presence.heartbeat_seconds must be < presence.ttl_seconds")
	}
	if c.Presence.ResubscribeSec <= 0 {
		return errors.New("presence.resubscribe_seconds must be > 0")
	}

	// Chat
	if c.Chat.TypingExpiryMS < 500 || c.Chat.TypingExpiryMS > 30000 {
		return errors.New("chat.typing_expiry_ms must be 500..30000")
	}
	if c.Chat.TypingThrottleMS <= 0 {
		return errors.New("chat.typing_throttle_ms must be > 0")
	}
	if c.Chat.TypingThrottleMS >= c.Chat.TypingExpiryMS {
		return errors.New("chat.typing_throttle_ms must be < chat.typing_expiry_ms")
	}

	// Call
	if c.Call.PlaceTimeoutSec < 1 || c.Call.PlaceTimeoutSec > 300 {
		return errors.New("call.place_timeout_seconds must be 1..300")
	}
	if c.Call.StatusLingerSec < 0 {
		return errors.New("call.status_linger_seconds must be >= 0")
	}
	for _, s := range c.Call.STUNServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") {
			return fmt.Errorf("call.stun_servers %q: scheme must be stun: or turn:", s)
		}
	}
	if c.Call.HistorySize <= 0 {
		return errors.New("call.history_size must be > 0")
	}

	// Storage
	if strings.TrimSpace(c.Storage.DBFile) == "" {
		return errors.New("storage.db_file is required")
	}
	if strings.TrimSpace(c.Storage.ReplicaTopic) == "" {
		return errors.New("storage.replica_topic is required")
	}
	if c.Storage.ReplicaTopic == c.Presence.Topic {
		return errors.New("storage.replica_topic must differ from presence.topic")
	}
	if c.Storage.CatchUpLimit <= 0 {
		return errors.New("storage.catch_up_limit must be > 0")
	}

	// Log
	if _, err := logging.LevelFromString(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	for sub, lvl := range c.Log.Subsystems {
		if _, err := logging.LevelFromString(lvl); err != nil {
			return fmt.Errorf("log.subsystems.%s: %w", sub, err)
		}
	}

	return nil
}

// ApplyLogLevels pushes the configured levels into go-log. Subsystem
// overrides are applied after the global level.
func (c *Config) ApplyLogLevels() {
	if _, err := logging.LevelFromString(c.Log.Level); err != nil {
		return
	}
	for _, sub := range Subsystems {
		_ = logging.SetLogLevel(sub, c.Log.Level)
	}
	for sub, l := range c.Log.Subsystems {
		_ = logging.SetLogLevel(sub, l)
	}
}

// Subsystems lists the go-log subsystem names owned by this program.
var Subsystems = []string{"app", "call", "presence", "typing", "sync", "signal", "store", "topic", "viewer", "media", "p2p", "replica"}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = util.StripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// LoadPartial reads a config file without validation.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	b = util.StripBOM(b)

	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file
// with a freshly generated user id.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	cfg.Profile.UserID = uuid.NewString()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
