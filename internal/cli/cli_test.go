package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/stock-ledger/internal/core/domain"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "server", cmd.Use)
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{"serve", "migrate", "seed", "products", "purchases", "buy", "cancel"}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			require.NotNil(t, subCmd)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)
}

func TestInvalidFormat(t *testing.T) {
	_, err := run(t, "", "products", "--format", "xml")
	assert.ErrorContains(t, err, "invalid format")
}

// writeConfig points the CLI at a fresh SQLite database.
func writeConfig(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "storage_driver: sqlite\n" +
		"sqlite_path: " + filepath.Join(dir, "ledger.db") + "\n" +
		"log_level: error\n" +
		"currency: USD\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func run(t *testing.T, configPath string, args ...string) (string, error) {
	t.Helper()

	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	if configPath != "" {
		args = append([]string{"--config", configPath}, args...)
	}
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestLedgerCommands(t *testing.T) {
	cfg := writeConfig(t)

	out, err := run(t, cfg, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "schema ready (sqlite)")

	seedFile := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(seedFile, []byte(`products:
  - code: LMP
    name: Desk Lamp
    price: 12.50
    stock: 10
`), 0o644))

	out, err = run(t, cfg, "seed", "--file", seedFile)
	require.NoError(t, err)
	assert.Contains(t, out, "seeded 1 of 1 products")

	out, err = run(t, cfg, "seed", "--file", seedFile)
	require.NoError(t, err)
	assert.Contains(t, out, "seeded 0 of 1 products")

	out, err = run(t, cfg, "products", "--format", "json")
	require.NoError(t, err)
	var products []domain.ProductStock
	require.NoError(t, json.Unmarshal([]byte(out), &products))
	require.Len(t, products, 1)
	productID := products[0].ID

	out, err = run(t, cfg, "products")
	require.NoError(t, err)
	assert.Contains(t, out, "Desk Lamp")
	assert.Contains(t, out, "$12.50")

	out, err = run(t, cfg, "buy", "--product", itoa(productID), "--quantity", "4", "--format", "json")
	require.NoError(t, err)
	var p domain.Purchase
	require.NoError(t, json.Unmarshal([]byte(out), &p))
	assert.True(t, p.TotalPrice.Equal(decimal.NewFromInt(50)))

	_, err = run(t, cfg, "buy", "--product", itoa(productID), "--quantity", "7")
	assert.ErrorIs(t, err, domain.ErrInsufficientStock)

	out, err = run(t, cfg, "purchases")
	require.NoError(t, err)
	assert.Contains(t, out, p.Number)
	assert.Contains(t, out, "$50.00")
	assert.Contains(t, out, "active")

	out, err = run(t, cfg, "cancel", "--id", itoa(p.ID))
	require.NoError(t, err)
	assert.Contains(t, out, "cancelled")

	_, err = run(t, cfg, "cancel", "--id", itoa(p.ID))
	assert.ErrorIs(t, err, domain.ErrPurchaseNotFoundOrAlreadyCancelled)

	out, err = run(t, cfg, "products", "--format", "json")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &products))
	assert.Equal(t, 10, products[0].Quantity)
}

func TestBuy_RequestKey(t *testing.T) {
	cfg := writeConfig(t)

	_, err := run(t, cfg, "seed")
	require.NoError(t, err)

	_, err = run(t, cfg, "buy", "--product", "1", "--request-key", "k-1")
	require.NoError(t, err)
	_, err = run(t, cfg, "buy", "--product", "1", "--request-key", "k-1")
	assert.ErrorIs(t, err, domain.ErrDuplicateRequest)
}

func TestBuy_RequiresProduct(t *testing.T) {
	_, err := run(t, writeConfig(t), "buy")
	assert.ErrorContains(t, err, "product")
}

func TestFormatPrice(t *testing.T) {
	assert.Equal(t, "$12.50", formatPrice(decimal.RequireFromString("12.5"), "USD"))
	assert.Equal(t, "$1,000.00", formatPrice(decimal.NewFromInt(1000), "USD"))
	assert.Equal(t, "3.10 XYZ", formatPrice(decimal.RequireFromString("3.1"), "XYZ"))
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
