package stabilitypool

import (
	"math/big"
	"os"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/params"
	"github.com/pkg/errors"
)

const MethodCollateralGains = "collateralGainsByDepositor"

var weiPerEther = new(big.Float).SetInt(big.NewInt(params.Ether))

// LoadABI reads the Stability Pool interface description and makes sure it
// exposes collateralGainsByDepositor(address,uint8) returns (uint256).
func LoadABI(filename string) (abi.ABI, error) {
	f, err := os.Open(filename)
	if err != nil {
		return abi.ABI{}, errors.Wrapf(err, "failed to open abi file %s", filename)
	}
	defer f.Close()

	parsed, err := abi.JSON(f)
	if err != nil {
		return abi.ABI{}, errors.Wrapf(err, "failed to parse abi file %s", filename)
	}

	if err := checkABI(parsed); err != nil {
		return abi.ABI{}, errors.Wrapf(err, "unusable abi file %s", filename)
	}

	return parsed, nil
}

func checkABI(parsed abi.ABI) error {
	method, ok := parsed.Methods[MethodCollateralGains]
	if !ok {
		return errors.Errorf("method %s not found", MethodCollateralGains)
	}

	if len(method.Inputs) != 2 {
		return errors.Errorf("%s: expected 2 inputs, got %d", MethodCollateralGains, len(method.Inputs))
	}

	if method.Inputs[0].Type.T != abi.AddressTy {
		return errors.Errorf("%s: first input is %s, not address", MethodCollateralGains, method.Inputs[0].Type.String())
	}

	if method.Inputs[1].Type.T != abi.UintTy || method.Inputs[1].Type.Size != 8 {
		return errors.Errorf("%s: second input is %s, not uint8", MethodCollateralGains, method.Inputs[1].Type.String())
	}

	if len(method.Outputs) != 1 || method.Outputs[0].Type.T != abi.UintTy || method.Outputs[0].Type.Size != 256 {
		return errors.Errorf("%s: expected a single uint256 output", MethodCollateralGains)
	}

	return nil
}

// ToDecimal converts an 18-decimals base unit amount to a float.
func ToDecimal(raw *big.Int) float64 {
	if raw == nil {
		return 0
	}

	f, _ := new(big.Float).Quo(new(big.Float).SetInt(raw), weiPerEther).Float64()
	return f
}
