package main

import (
	"math/big"

	"go.uber.org/zap"

	"github.com/ligun0805/usdc-settler/internal/config"
	"github.com/ligun0805/usdc-settler/internal/logging"
)

func loadSettings(path string) (config.Settings, error) {
	if path == "" {
		return config.Load(), nil
	}
	return config.LoadFile(path)
}

func printConfig(log *zap.SugaredLogger, st config.Settings, chainID *big.Int, signer string) {
	log.Infow("[config] settings",
		"rpc_url", st.RPCURL,
		"chain_id", chainID.String(),
		"signer_private_key", logging.MaskHex(st.SignerKeyHex),
		"signer", signer,
		"settlement_contract", st.SettlementContract,
		"token_contract", st.TokenContract,
		"receiving_address", st.ReceivingAddress,
		"token", st.TokenSymbol,
		"token_decimals", st.TokenDecimals,
		"allowance_owner", st.AllowanceOwner,
		"confirm_timeout", st.ConfirmTimeout,
		"call_timeout", st.CallTimeout,
		"gas_buffer_pct", st.GasBufferPct,
		"basefee_mul", st.BaseFeeMul,
		"tip_gwei", st.TipGwei,
		"journal", st.JournalDriver,
	)
}
