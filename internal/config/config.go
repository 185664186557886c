package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Settings keeps all configuration options.
// Key names mirror the original server's .env so existing deployments keep working.
type Settings struct {
	RPCURL             string
	ChainID            string // empty => ask the node
	SignerKeyHex       string
	SettlementContract string
	TokenContract      string
	ReceivingAddress   string
	TokenDecimals      int
	TokenSymbol        string
	AllowanceOwner     string // "payer" or "signer"

	Port string

	ConfirmTimeout time.Duration
	CallTimeout    time.Duration
	ShutdownGrace  time.Duration
	PollInterval   time.Duration // eth_getLogs polling when the endpoint has no subscriptions

	GasBufferPct int64
	BaseFeeMul   int64
	TipGwei      int64

	RPCRateLimit float64
	RPCBurst     int

	JournalDriver string
	JournalDSN    string

	LogLevel  string
	LogFormat string
}

const (
	AllowanceOwnerPayer  = "payer"
	AllowanceOwnerSigner = "signer"
)

// Load reads settings from environment supporting both UPPER_CASE and lower_case keys.
func Load() Settings {
	return load(nil)
}

// LoadFile reads a flat YAML file and uses it as a fallback layer under the environment.
func LoadFile(path string) (Settings, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("read config: %w", err)
	}
	raw := map[string]any{}
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return Settings{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	file := make(map[string]string, len(raw))
	for k, v := range raw {
		if v == nil {
			continue
		}
		file[strings.ToLower(k)] = strings.TrimSpace(fmt.Sprint(v))
	}
	return load(file), nil
}

func load(file map[string]string) Settings {
	get := func(keys []string, def string) string {
		for _, k := range keys {
			if v := strings.TrimSpace(os.Getenv(k)); v != "" {
				return v
			}
		}
		for _, k := range keys {
			if v := file[strings.ToLower(k)]; v != "" {
				return v
			}
		}
		return def
	}
	getInt := func(keys []string, def int) int {
		s := get(keys, "")
		if s == "" {
			return def
		}
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
		return def
	}
	getInt64 := func(keys []string, def int64) int64 {
		s := get(keys, "")
		if s == "" {
			return def
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n
		}
		return def
	}
	getFloat := func(keys []string, def float64) float64 {
		s := get(keys, "")
		if s == "" {
			return def
		}
		if n, err := strconv.ParseFloat(s, 64); err == nil {
			return n
		}
		return def
	}
	// durations accept "45s" style or plain seconds
	getDur := func(keys []string, def time.Duration) time.Duration {
		s := get(keys, "")
		if s == "" {
			return def
		}
		if d, err := time.ParseDuration(s); err == nil {
			return d
		}
		if n, err := strconv.Atoi(s); err == nil {
			return time.Duration(n) * time.Second
		}
		return def
	}

	st := Settings{}
	st.RPCURL = get([]string{"rpc_url", "RPC_URL", "SEPOLIA_RPC_URL"}, "ws://127.0.0.1:8546")
	st.ChainID = get([]string{"chain_id", "CHAIN_ID"}, "")
	st.SignerKeyHex = get([]string{"signer_private_key", "SIGNER_PRIVATE_KEY", "DEPLOYER_PRIVATE_KEY"}, "")
	st.SettlementContract = get([]string{"settlement_contract", "SETTLEMENT_CONTRACT", "MERCHANT_PAYMENT_ADDRESS"}, "")
	st.TokenContract = get([]string{"token_contract", "TOKEN_CONTRACT", "USDC_ADDRESS"}, "")
	st.ReceivingAddress = get([]string{"receiving_address", "RECEIVING_ADDRESS"}, st.SettlementContract)
	st.TokenDecimals = getInt([]string{"token_decimals", "TOKEN_DECIMALS"}, 6)
	st.TokenSymbol = get([]string{"token_symbol", "TOKEN_SYMBOL"}, "USDC")
	st.AllowanceOwner = strings.ToLower(get([]string{"allowance_owner", "ALLOWANCE_OWNER"}, AllowanceOwnerPayer))

	st.Port = get([]string{"port", "PORT"}, "3000")

	st.ConfirmTimeout = getDur([]string{"confirm_timeout", "CONFIRM_TIMEOUT"}, 60*time.Second)
	st.CallTimeout = getDur([]string{"call_timeout", "CALL_TIMEOUT"}, 30*time.Second)
	st.ShutdownGrace = getDur([]string{"shutdown_grace", "SHUTDOWN_GRACE"}, 90*time.Second)
	st.PollInterval = getDur([]string{"poll_interval", "POLL_INTERVAL"}, 4*time.Second)

	st.GasBufferPct = getInt64([]string{"gas_buffer_pct", "GAS_BUFFER_PCT"}, 20)
	st.BaseFeeMul = getInt64([]string{"basefee_mul", "BASEFEE_MUL"}, 2)
	st.TipGwei = getInt64([]string{"tip_gwei", "TIP_GWEI"}, 0)

	st.RPCRateLimit = getFloat([]string{"rpc_rate_limit", "RPC_RATE_LIMIT"}, 10)
	st.RPCBurst = getInt([]string{"rpc_burst", "RPC_BURST"}, 20)

	st.JournalDriver = strings.ToLower(get([]string{"journal_driver", "JOURNAL_DRIVER"}, "sqlite"))
	st.JournalDSN = get([]string{"journal_dsn", "JOURNAL_DSN"}, "settlements.db")

	st.LogLevel = get([]string{"log_level", "LOG_LEVEL"}, "info")
	st.LogFormat = get([]string{"log_format", "LOG_FORMAT"}, "json")

	return st
}

// Validate checks the settings the service cannot start without.
// The signer key is checked by the caller since it may still be prompted for.
func (s Settings) Validate() error {
	var errs []error
	if s.RPCURL == "" {
		errs = append(errs, errors.New("RPC_URL is empty"))
	}
	for name, v := range map[string]string{
		"SETTLEMENT_CONTRACT": s.SettlementContract,
		"TOKEN_CONTRACT":      s.TokenContract,
		"RECEIVING_ADDRESS":   s.ReceivingAddress,
	} {
		if !common.IsHexAddress(v) {
			errs = append(errs, fmt.Errorf("%s is not a valid address: %q", name, v))
		}
	}
	if s.ChainID != "" {
		if _, err := strconv.ParseUint(s.ChainID, 10, 64); err != nil {
			errs = append(errs, fmt.Errorf("CHAIN_ID %q: %w", s.ChainID, err))
		}
	}
	if s.TokenDecimals < 0 || s.TokenDecimals > 77 {
		errs = append(errs, fmt.Errorf("TOKEN_DECIMALS out of range: %d", s.TokenDecimals))
	}
	if s.AllowanceOwner != AllowanceOwnerPayer && s.AllowanceOwner != AllowanceOwnerSigner {
		errs = append(errs, fmt.Errorf("ALLOWANCE_OWNER must be %q or %q", AllowanceOwnerPayer, AllowanceOwnerSigner))
	}
	if s.ConfirmTimeout <= 0 || s.CallTimeout <= 0 || s.PollInterval <= 0 {
		errs = append(errs, errors.New("timeouts must be positive"))
	}
	if s.GasBufferPct < 0 {
		errs = append(errs, errors.New("GAS_BUFFER_PCT must be >= 0"))
	}
	if s.BaseFeeMul <= 0 {
		errs = append(errs, errors.New("BASEFEE_MUL must be > 0"))
	}
	if s.RPCRateLimit <= 0 || s.RPCBurst <= 0 {
		errs = append(errs, errors.New("RPC_RATE_LIMIT and RPC_BURST must be > 0"))
	}
	switch s.JournalDriver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("JOURNAL_DRIVER %q is not supported", s.JournalDriver))
	}
	return errors.Join(errs...)
}
