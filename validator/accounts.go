package validator

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"os"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	jsoniter "github.com/json-iterator/go"
	"github.com/mr-tron/base58"
	"github.com/rpcpool/migration-sim/programs/activator"
)

const (
	// FeatureSize is a bincode Feature{activated_at: Option<u64>}.
	FeatureSize = 9
	// BufferMetadataSize is the upgradeable loader Buffer{authority_address} header
	// that precedes the ELF in a buffer account.
	BufferMetadataSize = 37

	bufferStateTag = 1

	// Default rent: 3480 lamports per byte-year, exempt after two years, plus
	// 128 bytes of account overhead.
	rentLamportsPerByte    = 3480 * 2
	accountStorageOverhead = 128
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// RentExemptMinimum returns the default rent exemption for an account of space bytes.
func RentExemptMinimum(space uint64) uint64 {
	return (accountStorageOverhead + space) * rentLamportsPerByte
}

// AccountFile is the JSON layout solana-test-validator reads for --account,
// the same one `solana account --output json` writes.
type AccountFile struct {
	Pubkey  string      `json:"pubkey"`
	Account AccountData `json:"account"`
}

type AccountData struct {
	Lamports   uint64    `json:"lamports"`
	Data       [2]string `json:"data"`
	Owner      string    `json:"owner"`
	Executable bool      `json:"executable"`
	RentEpoch  uint64    `json:"rentEpoch"`
	Space      uint64    `json:"space"`
}

func newAccountFile(address, owner solana.PublicKey, data []byte) *AccountFile {
	return &AccountFile{
		Pubkey: address.String(),
		Account: AccountData{
			Lamports: RentExemptMinimum(uint64(len(data))),
			Data:     [2]string{base64.StdEncoding.EncodeToString(data), "base64"},
			Owner:    owner.String(),
			Space:    uint64(len(data)),
		},
	}
}

// StagedFeature is a feature account that is not active yet, owned by the activator
// program so that it can hand the account over to the feature program.
func StagedFeature(featureID solana.PublicKey) *AccountFile {
	return newAccountFile(featureID, activator.ProgramID, make([]byte, FeatureSize))
}

// Buffer is an upgradeable loader buffer with no authority holding elf.
func Buffer(address solana.PublicKey, elf []byte) (*AccountFile, error) {
	data, err := EncodeBuffer(elf)
	if err != nil {
		return nil, err
	}
	return newAccountFile(address, solana.BPFLoaderUpgradeableProgramID, data), nil
}

// EncodeBuffer prefixes elf with an authority-less Buffer header.
func EncodeBuffer(elf []byte) ([]byte, error) {
	buf := new(bytes.Buffer)
	enc := bin.NewBinEncoder(buf)
	if err := enc.WriteUint32(bufferStateTag, bin.LE); err != nil {
		return nil, err
	}
	// Option<Pubkey>::None; the 32 bytes stay reserved.
	if err := enc.WriteBool(false); err != nil {
		return nil, err
	}
	if err := enc.WriteBytes(make([]byte, solana.PublicKeyLength), false); err != nil {
		return nil, err
	}
	if err := enc.WriteBytes(elf, false); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeBuffer splits a buffer account into its authority and ELF.
func DecodeBuffer(data []byte) (authority *solana.PublicKey, elf []byte, err error) {
	if len(data) < BufferMetadataSize {
		return nil, nil, fmt.Errorf("buffer account too short: %d bytes", len(data))
	}
	dec := bin.NewBinDecoder(data)
	tag, err := dec.ReadUint32(bin.LE)
	if err != nil {
		return nil, nil, err
	}
	if tag != bufferStateTag {
		return nil, nil, fmt.Errorf("not a buffer account: state tag %d", tag)
	}
	hasAuthority, err := dec.ReadBool()
	if err != nil {
		return nil, nil, err
	}
	key, err := dec.ReadNBytes(solana.PublicKeyLength)
	if err != nil {
		return nil, nil, err
	}
	if hasAuthority {
		pk := solana.PublicKeyFromBytes(key)
		authority = &pk
	}
	return authority, data[BufferMetadataSize:], nil
}

// DecodeFeature returns the activation slot, or nil if the feature is still pending.
func DecodeFeature(data []byte) (*uint64, error) {
	if len(data) < FeatureSize {
		return nil, fmt.Errorf("feature account too short: %d bytes", len(data))
	}
	dec := bin.NewBinDecoder(data)
	activated, err := dec.ReadBool()
	if err != nil {
		return nil, err
	}
	if !activated {
		return nil, nil
	}
	slot, err := dec.ReadUint64(bin.LE)
	if err != nil {
		return nil, err
	}
	return &slot, nil
}

// Address returns the account's public key.
func (f *AccountFile) Address() (solana.PublicKey, error) {
	raw, err := base58.Decode(f.Pubkey)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("invalid pubkey %q: %w", f.Pubkey, err)
	}
	if len(raw) != solana.PublicKeyLength {
		return solana.PublicKey{}, fmt.Errorf("invalid pubkey %q: %d bytes", f.Pubkey, len(raw))
	}
	return solana.PublicKeyFromBytes(raw), nil
}

// Bytes decodes the account data.
func (f *AccountFile) Bytes() ([]byte, error) {
	if f.Account.Data[1] != "base64" {
		return nil, fmt.Errorf("unsupported account data encoding %q", f.Account.Data[1])
	}
	return base64.StdEncoding.DecodeString(f.Account.Data[0])
}

func (f *AccountFile) Save(path string) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to encode account %s: %w", f.Pubkey, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write account %s to %s: %w", f.Pubkey, path, err)
	}
	return nil
}

// CheckAccountFile reads an account file back the way the validator will and checks
// that it describes address, holds exactly its declared space and is rent exempt.
func CheckAccountFile(path string, address solana.PublicKey) error {
	f, err := ReadAccountFile(path)
	if err != nil {
		return err
	}
	got, err := f.Address()
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if !got.Equals(address) {
		return fmt.Errorf("%s: describes %s, expected %s", path, got, address)
	}
	data, err := f.Bytes()
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if uint64(len(data)) != f.Account.Space {
		return fmt.Errorf("%s: holds %d bytes, declares %d", path, len(data), f.Account.Space)
	}
	if minimum := RentExemptMinimum(f.Account.Space); f.Account.Lamports < minimum {
		return fmt.Errorf("%s: %d lamports is below the rent exempt minimum of %d", path, f.Account.Lamports, minimum)
	}
	return nil
}

func ReadAccountFile(path string) (*AccountFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f AccountFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to decode account file %s: %w", path, err)
	}
	return &f, nil
}
