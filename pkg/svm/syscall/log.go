package syscall

import (
	"encoding/base64"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/fortiblox/svmstub/pkg/svm"
	"github.com/fortiblox/svmstub/pkg/svm/sbpf"
)

// Stable log prefixes.
const (
	LogPrefix  = "Program log: "
	DataPrefix = "Program data: "
)

func init() {
	register(SolLog, (*Dispatcher).solLog)
	register(SolLog64, (*Dispatcher).solLog64)
	register(SolLogPubkey, (*Dispatcher).solLogPubkey)
	register(SolLogComputeUnits, (*Dispatcher).solLogComputeUnits)
	register(SolLogData, (*Dispatcher).solLogData)
}

// sol_log_(msg, len)
func (d *Dispatcher) solLog(vm sbpf.VM, a Args) (uint64, error) {
	msg, err := translate(vm, a[0], a[1], false)
	if err != nil {
		return 0, err
	}
	if err := d.consume(d.costs.LogCost(a[1])); err != nil {
		return 0, err
	}
	if !utf8.Valid(msg) {
		return 0, svm.NewFault(svm.MalformedArgument, ErrInvalidUTF8)
	}
	d.logs.Append(LogPrefix + string(msg))
	return 0, nil
}

// sol_log_64_(a, b, c, d, e)
func (d *Dispatcher) solLog64(_ sbpf.VM, a Args) (uint64, error) {
	if err := d.consume(d.costs.Log64); err != nil {
		return 0, err
	}
	d.logs.Append(fmt.Sprintf("%s%#x, %#x, %#x, %#x, %#x", LogPrefix, a[0], a[1], a[2], a[3], a[4]))
	return 0, nil
}

// sol_log_pubkey(key)
func (d *Dispatcher) solLogPubkey(vm sbpf.VM, a Args) (uint64, error) {
	key, err := readPubkey(vm, a[0])
	if err != nil {
		return 0, err
	}
	if err := d.consume(d.costs.LogPubkey); err != nil {
		return 0, err
	}
	d.logs.Append(LogPrefix + key.String())
	return 0, nil
}

// sol_log_compute_units_()
func (d *Dispatcher) solLogComputeUnits(_ sbpf.VM, _ Args) (uint64, error) {
	if err := d.consume(d.costs.SyscallBase); err != nil {
		return 0, err
	}
	d.logs.Append(fmt.Sprintf("Program consumption: %d units remaining", d.meter.Remaining()))
	return 0, nil
}

// sol_log_data(slices, n)
func (d *Dispatcher) solLogData(vm sbpf.VM, a Args) (uint64, error) {
	fields, err := readSlices(vm, a[0], a[1])
	if err != nil {
		return 0, err
	}

	cost := d.costs.SyscallBase * uint64(1+len(fields))
	parts := make([]string, len(fields))
	for i, b := range fields {
		cost += uint64(len(b))
		parts[i] = base64.StdEncoding.EncodeToString(b)
	}
	if err := d.consume(cost); err != nil {
		return 0, err
	}
	d.logs.Append(DataPrefix + strings.Join(parts, " "))
	return 0, nil
}
