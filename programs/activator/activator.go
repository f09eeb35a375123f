// Package activator builds instructions for the feature activator program.
//
// The test validator creates the staged feature account owned by this program at
// genesis. Invoking the program reassigns the account to the feature-gate program,
// which activates the feature at the next epoch boundary without the feature keypair.
package activator

import (
	"github.com/gagliardetto/solana-go"
)

// ProgramID of the activator program.
var ProgramID = solana.MustPublicKeyFromBase58("CBMTActivator111111111111111111111111111111")

// FeatureGateProgramID owns activated (or pending) feature accounts.
var FeatureGateProgramID = solana.MustPublicKeyFromBase58("Feature111111111111111111111111111111111111")

// ProgramName is the artifact name of the compiled activator.
const ProgramName = "cbmt_program_activator"

// ActivateFeature returns the instruction that hands the feature account over to the
// feature-gate program. Any payer may send it; the feature account is not a signer.
func ActivateFeature(featureID solana.PublicKey) solana.Instruction {
	return solana.NewInstruction(
		ProgramID,
		solana.AccountMetaSlice{
			solana.NewAccountMeta(featureID, true, false),
		},
		[]byte{},
	)
}
