package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rolled-bit/go-rollup/codec"
	"github.com/rolled-bit/go-rollup/log"
	"github.com/rolled-bit/go-rollup/types"
	"github.com/rolled-bit/go-rollup/utils"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	flagNode     = "node"
	flagKey      = "key"
	flagKeystore = "keystore"
	flagPassword = "password"
	flagTo       = "to"
	flagValue    = "value"
	flagNonce    = "nonce"
	flagGasLimit = "gaslimit"
	flagGasPrice = "gasprice"
	flagData     = "data"
)

var (
	logger     = log.NewLogger("rollupctl")
	httpClient = &http.Client{Timeout: 30 * time.Second}
)

func nodeURL(path string) string {
	return strings.TrimSuffix(viper.GetString(flagNode), "/") + path
}

func do(method, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequest(method, nodeURL(path), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(out)))
	}
	return out, nil
}

func printResponse(method, path string, body []byte) error {
	out, err := do(method, path, body)
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, strings.TrimSpace(string(out)))
	return nil
}

func pendingNonce(addr common.Address) (uint64, error) {
	out, err := do(http.MethodGet, "/account/"+addr.Hex(), nil)
	if err != nil {
		return 0, err
	}
	var acct struct {
		Nonce hexutil.Uint64 `json:"nonce"`
	}
	if err := json.Unmarshal(out, &acct); err != nil {
		return 0, err
	}
	return uint64(acct.Nonce), nil
}

func parseAmount(flag string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(viper.GetString(flag), 10)
	if !ok || amount.Sign() < 0 {
		return nil, fmt.Errorf("--%s must be a non-negative integer", flag)
	}
	return amount, nil
}

func sendTransaction(create bool) error {
	key, err := utils.LoadPrivateKey(viper.GetString(flagKey), viper.GetString(flagKeystore), viper.GetString(flagPassword))
	if err != nil {
		return err
	}
	sender := utils.AddressOf(key)

	tx := &types.Transaction{GasLimit: viper.GetUint64(flagGasLimit)}
	if tx.Value, err = parseAmount(flagValue); err != nil {
		return err
	}
	if tx.GasPrice, err = parseAmount(flagGasPrice); err != nil {
		return err
	}
	if data := viper.GetString(flagData); data != "" {
		if tx.Data, err = hexutil.Decode(data); err != nil {
			return fmt.Errorf("--%s: %w", flagData, err)
		}
	}
	if !create {
		to := viper.GetString(flagTo)
		if !common.IsHexAddress(to) {
			return fmt.Errorf("--%s must be an address", flagTo)
		}
		recipient := common.HexToAddress(to)
		tx.To = &recipient
	}
	if nonce := viper.GetInt64(flagNonce); nonce >= 0 {
		tx.Nonce = uint64(nonce)
	} else if tx.Nonce, err = pendingNonce(sender); err != nil {
		return err
	}

	if _, err := codec.Sign(tx, key); err != nil {
		return err
	}
	body, err := json.Marshal(tx)
	if err != nil {
		return err
	}
	logger.Info().Str("sender", sender.Hex()).Uint64("nonce", tx.Nonce).Bool("create", create).Msg("Submitting transaction")
	return printResponse(http.MethodPost, "/tx", body)
}

func txFlags(cmd *cobra.Command) {
	cmd.Flags().String(flagKey, "", "hex private key")
	cmd.Flags().String(flagKeystore, "", "keystore file")
	cmd.Flags().String(flagPassword, "", "keystore password")
	cmd.Flags().String(flagValue, "0", "amount to send")
	cmd.Flags().Int64(flagNonce, -1, "nonce, fetched from the node if negative")
	cmd.Flags().Uint64(flagGasLimit, 21000, "gas limit")
	cmd.Flags().String(flagGasPrice, "1", "gas price")
	cmd.Flags().String(flagData, "", "hex call data or contract code")
}

func transferCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transfer",
		Short: "Sign and submit a transfer or call",
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendTransaction(false)
		},
	}
	txFlags(cmd)
	cmd.Flags().String(flagTo, "", "recipient address")
	return cmd
}

func deployCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Sign and submit a contract creation; --data is the code",
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendTransaction(true)
		},
	}
	txFlags(cmd)
	return cmd
}

func keyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Manage local signing keys",
	}
	export := &cobra.Command{
		Use:   "export",
		Short: "Decrypt a keystore and print its address and hex private key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := utils.GetPrivateKeyFromKeystore(viper.GetString(flagKeystore), viper.GetString(flagPassword))
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "address: %s\nprivate key: %s\n", utils.AddressOf(key).Hex(), utils.ExportPrivateKey(key))
			return nil
		},
	}
	export.Flags().String(flagKeystore, "", "keystore file")
	export.Flags().String(flagPassword, "", "keystore password")
	_ = export.MarkFlagRequired(flagKeystore)
	cmd.AddCommand(export)
	return cmd
}

func getCommand(use, short string, path func(args []string) string, nargs int) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(nargs),
		RunE: func(cmd *cobra.Command, args []string) error {
			return printResponse(http.MethodGet, path(args), nil)
		},
	}
}

func main() {
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:          "rollupctl",
		Short:        "rollup node client",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return viper.BindPFlags(cmd.Flags())
		},
	}
	rootCmd.AddCommand(
		transferCommand(),
		deployCommand(),
		keyCommand(),
		getCommand("account <address>", "Show a committed account", func(args []string) string { return "/account/" + args[0] }, 1),
		getCommand("proof <address>", "Show a state proof for an account", func(args []string) string { return "/account/" + args[0] + "/proof" }, 1),
		getCommand("index <index>", "Resolve an address index", func(args []string) string { return "/index/" + args[0] }, 1),
		getCommand("lookup <address>", "Show the index of an address", func(args []string) string { return "/address/" + args[0] + "/index" }, 1),
		getCommand("sync", "Show the sync cursor", func([]string) string { return "/sync" }, 0),
		getCommand("pending", "Show the pool size", func([]string) string { return "/tx/pending" }, 0),
		&cobra.Command{
			Use:   "flush",
			Short: "Trigger a sequencer tick",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return printResponse(http.MethodPost, "/sequencer/flush", nil)
			},
		},
	)
	rootCmd.PersistentFlags().String(flagNode, "http://localhost:3000", "node API url")
	viper.SetEnvPrefix("ROLLUPCTL")
	viper.AutomaticEnv()

	if err := rootCmd.Execute(); err != nil {
		logger.Fatal().Err(err).Send()
	}
}
