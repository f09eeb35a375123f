// Package stub builds instructions for the deterministic stub program used by
// artifact-validation runs, where the staged buffer holds the stub instead of the
// real replacement program.
package stub

import (
	"bytes"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// ProgramName is the artifact name of the compiled stub.
const ProgramName = "stub"

// IncineratorID is the sink burned lamports are sent to.
var IncineratorID = solana.MustPublicKeyFromBase58("1nc1nerator11111111111111111111111111111111")

type Kind uint8

const (
	KindWrite Kind = 0
	KindBurn  Kind = 1
)

func (k Kind) String() string {
	switch k {
	case KindWrite:
		return "write"
	case KindBurn:
		return "burn"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Write funds target to rent exemption, allocates len(data) bytes, assigns it to the
// program and copies data into it. Both target and payer must sign.
func Write(programID, target, payer solana.PublicKey, data []byte) (solana.Instruction, error) {
	buf := new(bytes.Buffer)
	enc := bin.NewBinEncoder(buf)
	if err := enc.WriteUint8(uint8(KindWrite)); err != nil {
		return nil, err
	}
	if err := enc.WriteBytes(data, false); err != nil {
		return nil, err
	}
	return solana.NewInstruction(
		programID,
		solana.AccountMetaSlice{
			solana.NewAccountMeta(target, true, true),
			solana.NewAccountMeta(payer, true, true),
			solana.NewAccountMeta(solana.SystemProgramID, false, false),
		},
		buf.Bytes(),
	), nil
}

// Burn moves every lamport out of target into the incinerator. Target must sign.
func Burn(programID, target solana.PublicKey) solana.Instruction {
	return solana.NewInstruction(
		programID,
		solana.AccountMetaSlice{
			solana.NewAccountMeta(target, true, true),
			solana.NewAccountMeta(IncineratorID, true, false),
			solana.NewAccountMeta(solana.SystemProgramID, false, false),
		},
		[]byte{uint8(KindBurn)},
	)
}

// Decode splits stub instruction data into its kind and payload.
func Decode(data []byte) (Kind, []byte, error) {
	dec := bin.NewBinDecoder(data)
	tag, err := dec.ReadUint8()
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read instruction tag: %w", err)
	}
	kind := Kind(tag)
	switch kind {
	case KindWrite:
		return kind, data[1:], nil
	case KindBurn:
		return kind, nil, nil
	default:
		return kind, nil, fmt.Errorf("invalid instruction data: %s", kind)
	}
}
