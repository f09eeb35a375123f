package validator

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/rpcpool/migration-sim/artifact"
	"github.com/rpcpool/migration-sim/programs/activator"
	"github.com/stretchr/testify/require"
)

var (
	featureID     = solana.MustPublicKeyFromBase58("ptokFjwyJtrwCa9Kgo9xoDS59V4QccBGEaRFnRPnSdP")
	bufferAddress = solana.MustPublicKeyFromBase58("ptokNfvuU7terQ2r2452RzVXB3o4GT33yPWo1fUkkZ2")
)

func TestRentExemptMinimum(t *testing.T) {
	require.EqualValues(t, 890880, RentExemptMinimum(0))
	require.EqualValues(t, (128+9)*6960, RentExemptMinimum(FeatureSize))
}

func TestStagedFeature(t *testing.T) {
	acc := StagedFeature(featureID)
	require.Equal(t, featureID.String(), acc.Pubkey)
	require.Equal(t, activator.ProgramID.String(), acc.Account.Owner)
	require.False(t, acc.Account.Executable)
	require.EqualValues(t, FeatureSize, acc.Account.Space)
	require.EqualValues(t, RentExemptMinimum(FeatureSize), acc.Account.Lamports)

	data, err := acc.Bytes()
	require.NoError(t, err)
	require.Equal(t, make([]byte, FeatureSize), data)

	activatedAt, err := DecodeFeature(data)
	require.NoError(t, err)
	require.Nil(t, activatedAt)
}

func TestDecodeFeatureActivated(t *testing.T) {
	data := []byte{1, 0x39, 0x30, 0, 0, 0, 0, 0, 0}
	activatedAt, err := DecodeFeature(data)
	require.NoError(t, err)
	require.NotNil(t, activatedAt)
	require.EqualValues(t, 12345, *activatedAt)

	_, err = DecodeFeature(data[:4])
	require.Error(t, err)
}

func TestBuffer(t *testing.T) {
	elf := []byte("\x7fELF fake program")
	acc, err := Buffer(bufferAddress, elf)
	require.NoError(t, err)
	require.Equal(t, solana.BPFLoaderUpgradeableProgramID.String(), acc.Account.Owner)
	require.EqualValues(t, BufferMetadataSize+len(elf), acc.Account.Space)
	require.EqualValues(t, RentExemptMinimum(uint64(BufferMetadataSize+len(elf))), acc.Account.Lamports)

	data, err := acc.Bytes()
	require.NoError(t, err)
	require.Equal(t, []byte{1, 0, 0, 0, 0}, data[:5])
	require.Equal(t, make([]byte, 32), data[5:BufferMetadataSize])

	authority, decoded, err := DecodeBuffer(data)
	require.NoError(t, err)
	require.Nil(t, authority)
	require.Equal(t, elf, decoded)
}

func TestDecodeBufferErrors(t *testing.T) {
	_, _, err := DecodeBuffer(make([]byte, 10))
	require.Error(t, err)

	programData := make([]byte, BufferMetadataSize)
	programData[0] = 3
	_, _, err = DecodeBuffer(programData)
	require.ErrorContains(t, err, "state tag 3")
}

func TestAccountFileRoundTrip(t *testing.T) {
	acc := StagedFeature(featureID)
	path := filepath.Join(t.TempDir(), "feature.json")
	require.NoError(t, acc.Save(path))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"rentEpoch":0`)
	require.Contains(t, string(raw), `"data":["`+base64.StdEncoding.EncodeToString(make([]byte, FeatureSize))+`","base64"]`)

	loaded, err := ReadAccountFile(path)
	require.NoError(t, err)
	require.Equal(t, acc, loaded)

	address, err := loaded.Address()
	require.NoError(t, err)
	require.Equal(t, featureID, address)
}

func TestAccountFileBadInput(t *testing.T) {
	_, err := (&AccountFile{Pubkey: "0OIl"}).Address()
	require.Error(t, err)
	_, err = (&AccountFile{Pubkey: "abc"}).Address()
	require.ErrorContains(t, err, "bytes")

	_, err = (&AccountFile{Account: AccountData{Data: [2]string{"", "base58"}}}).Bytes()
	require.ErrorContains(t, err, "base58")
}

func TestCheckAccountFile(t *testing.T) {
	dir := t.TempDir()
	save := func(name string, acc *AccountFile) string {
		path := filepath.Join(dir, name+".json")
		require.NoError(t, acc.Save(path))
		return path
	}

	good := save("good", StagedFeature(featureID))
	require.NoError(t, CheckAccountFile(good, featureID))
	require.ErrorContains(t, CheckAccountFile(good, bufferAddress), "expected "+bufferAddress.String())

	short := StagedFeature(featureID)
	short.Account.Space = FeatureSize + 1
	short.Account.Lamports = RentExemptMinimum(short.Account.Space)
	require.ErrorContains(t, CheckAccountFile(save("short", short), featureID), "holds 9 bytes, declares 10")

	poor := StagedFeature(featureID)
	poor.Account.Lamports--
	require.ErrorContains(t, CheckAccountFile(save("poor", poor), featureID), "rent exempt")

	garbled := StagedFeature(featureID)
	garbled.Pubkey = "0OIl"
	require.Error(t, CheckAccountFile(save("garbled", garbled), featureID))

	require.Error(t, CheckAccountFile(filepath.Join(dir, "missing.json"), featureID))
}

func writeArtifacts(t *testing.T, names ...string) *artifact.Loader {
	t.Helper()
	dir := t.TempDir()
	for _, name := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name+".so"), []byte("elf:"+name), 0o644))
	}
	return artifact.NewLoader(dir)
}

func TestGenesisArgs(t *testing.T) {
	mint := solana.NewWallet().PublicKey()
	cfg := Config{
		LedgerDir:     t.TempDir(),
		SlotsPerEpoch: 50,
		Mint:          mint,
		Targets:       []Target{{FeatureID: featureID, BufferAddress: bufferAddress, ElfName: "p_token"}},
		Artifacts:     writeArtifacts(t, "p_token", activator.ProgramName),
	}
	staging := t.TempDir()
	args, err := genesisArgs(cfg, staging)
	require.NoError(t, err)

	require.Equal(t, []string{"--slots-per-epoch", "50", "--mint", mint.String()}, args[:4])
	require.Contains(t, args, "--deactivate-feature")
	require.Equal(t, featureID.String(), args[indexOf(args, "--deactivate-feature")+1])

	i := indexOf(args, "--upgradeable-program")
	require.GreaterOrEqual(t, i, 0)
	require.Equal(t, activator.ProgramID.String(), args[i+1])
	require.Equal(t, filepath.Join(cfg.Artifacts.Directories()[0], activator.ProgramName+".so"), args[i+2])
	require.Len(t, args, i+4)

	feature, err := ReadAccountFile(filepath.Join(staging, featureID.String()+".json"))
	require.NoError(t, err)
	require.Equal(t, activator.ProgramID.String(), feature.Account.Owner)

	buffer, err := ReadAccountFile(filepath.Join(staging, bufferAddress.String()+".json"))
	require.NoError(t, err)
	data, err := buffer.Bytes()
	require.NoError(t, err)
	_, elf, err := DecodeBuffer(data)
	require.NoError(t, err)
	require.Equal(t, []byte("elf:p_token"), elf)
}

func TestGenesisArgsMissingArtifact(t *testing.T) {
	cfg := Config{
		LedgerDir:     t.TempDir(),
		SlotsPerEpoch: 50,
		Mint:          solana.NewWallet().PublicKey(),
		Targets:       []Target{{FeatureID: featureID, BufferAddress: bufferAddress, ElfName: "p_token"}},
		Artifacts:     writeArtifacts(t, activator.ProgramName),
	}
	_, err := genesisArgs(cfg, t.TempDir())
	require.ErrorIs(t, err, artifact.ErrNotFound)
}

func TestConfigValidate(t *testing.T) {
	err := (&Config{}).Validate()
	require.ErrorContains(t, err, "ledger directory")
	require.ErrorContains(t, err, "slots per epoch")
	require.ErrorContains(t, err, "mint")
	require.ErrorContains(t, err, "artifact loader")
}

func TestLedgerExists(t *testing.T) {
	dir := t.TempDir()
	require.False(t, LedgerExists(dir))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "genesis.bin"), nil, 0o644))
	require.True(t, LedgerExists(dir))
}

func TestStartMissingBinary(t *testing.T) {
	_, err := Start(context.Background(), Config{
		Binary:        "definitely-not-a-validator-binary",
		LedgerDir:     t.TempDir(),
		SlotsPerEpoch: 50,
		Mint:          solana.NewWallet().PublicKey(),
		Artifacts:     artifact.NewLoader(t.TempDir()),
	})
	require.ErrorContains(t, err, "not found")
}

func indexOf(args []string, flag string) int {
	for i, arg := range args {
		if arg == flag {
			return i
		}
	}
	return -1
}
