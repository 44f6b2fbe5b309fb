package syscall

import (
	"github.com/fortiblox/svmstub/pkg/svm"
	"github.com/fortiblox/svmstub/pkg/svm/crypto"
	"github.com/fortiblox/svmstub/pkg/svm/sbpf"
)

// Curve ids accepted by sol_curve_validate_point.
const (
	CurveEdwards   = 0
	CurveRistretto = 1
)

func init() {
	register(SolSha256, hashSyscall(crypto.SHA256))
	register(SolKeccak256, hashSyscall(crypto.Keccak256))
	register(SolBlake3, hashSyscall(crypto.Blake3))
	register(SolSecp256k1Recover, (*Dispatcher).solSecp256k1Recover)
	register(SolCurveValidatePoint, (*Dispatcher).solCurveValidatePoint)
}

// hashSyscall builds the handler for sol_<hash>(slices, n, result).
func hashSyscall(kind crypto.HashKind) handler {
	return func(d *Dispatcher, vm sbpf.VM, a Args) (uint64, error) {
		if a[1] > d.costs.Sha256MaxSlices {
			return 0, svm.Faultf(svm.MalformedArgument, "%w: %d > %d", ErrTooManySlices, a[1], d.costs.Sha256MaxSlices)
		}
		out, err := vm.Translate(a[2], crypto.HashSize, true)
		if err != nil {
			return 0, err
		}
		slices, err := readSlices(vm, a[0], a[1])
		if err != nil {
			return 0, err
		}

		cost := d.costs.Sha256Base
		for _, s := range slices {
			cost += d.costs.HashSliceCost(uint64(len(s)))
		}
		if err := d.consume(cost); err != nil {
			return 0, err
		}

		sum := crypto.Hash(kind, slices...)
		copy(out, sum[:])
		return 0, nil
	}
}

// sol_secp256k1_recover(hash, recovery_id, signature, result). Recovery
// failures are reported in r0, not as faults.
func (d *Dispatcher) solSecp256k1Recover(vm sbpf.VM, a Args) (uint64, error) {
	hash, err := vm.Translate(a[0], crypto.Secp256k1HashSize, false)
	if err != nil {
		return 0, err
	}
	sig, err := vm.Translate(a[2], crypto.Secp256k1SignatureSize, false)
	if err != nil {
		return 0, err
	}
	out, err := vm.Translate(a[3], crypto.Secp256k1PubkeySize, true)
	if err != nil {
		return 0, err
	}
	if err := d.consume(d.costs.Secp256k1Recover); err != nil {
		return 0, err
	}

	pub, err := crypto.Secp256k1Recover(hash, a[1], sig)
	if err != nil {
		return crypto.Secp256k1ErrorCode(err), nil
	}
	copy(out, pub[:])
	return 0, nil
}

// sol_curve_validate_point(curve_id, point). Returns 0 for a valid point
// and 1 otherwise. Only edwards points are validated; other curve ids
// return 1.
func (d *Dispatcher) solCurveValidatePoint(vm sbpf.VM, a Args) (uint64, error) {
	if a[0] != CurveEdwards {
		d.log.Debug("unsupported curve", "curve", a[0])
		return 1, nil
	}
	point, err := vm.Translate(a[1], 32, false)
	if err != nil {
		return 0, err
	}
	if err := d.consume(d.costs.CurveEdwardsValidatePoint); err != nil {
		return 0, err
	}
	if crypto.IsOnCurve(point) {
		return 0, nil
	}
	return 1, nil
}
