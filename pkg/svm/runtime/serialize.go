package runtime

import (
	"encoding/binary"
	"fmt"

	"github.com/fortiblox/svmstub/internal/types"
	"github.com/fortiblox/svmstub/pkg/svm"
	"github.com/fortiblox/svmstub/pkg/svm/invoke"
)

// Input region layout (aligned loader):
//
//   - num_accounts u64
//   - per account, either a duplicate marker
//     (u8 index of the first occurrence, 7 bytes padding)
//     or:
//   - 0xFF, is_signer u8, is_writable u8, executable u8, 4 bytes padding
//   - key, owner
//   - lamports u64, data_len u64
//   - data, MaxPermittedDataIncrease bytes of realloc space, padding to 8
//   - rent_epoch u64
//   - instruction_data_len u64, instruction_data
//   - program_id
const (
	// MaxPermittedDataIncrease is the realloc space reserved after each
	// account's data.
	MaxPermittedDataIncrease = 10 * 1024

	nonDupMarker = 0xFF

	accountHeaderSize = 8 + 2*types.PubkeySize + 8 + 8
)

// accountLayout records where one account landed in the input region.
type accountLayout struct {
	dup      bool
	lamports int
	owner    int
	dataLen  int
	data     int
}

func alignedDataSize(n int) int {
	n += MaxPermittedDataIncrease
	return n + (8-n%8)%8
}

// serializeInput builds the input region for a frame.
func serializeInput(programID types.Pubkey, accounts []*invoke.AccountView, data []byte) ([]byte, []accountLayout) {
	first := make(map[types.Pubkey]int, len(accounts))
	size := 8
	for i, a := range accounts {
		if _, dup := first[a.Key]; dup {
			size += 8
			continue
		}
		first[a.Key] = i
		size += accountHeaderSize + alignedDataSize(len(a.Data())) + 8
	}
	size += 8 + len(data) + types.PubkeySize

	buf := make([]byte, size)
	layout := make([]accountLayout, len(accounts))
	off := 0

	binary.LittleEndian.PutUint64(buf[off:], uint64(len(accounts)))
	off += 8

	for i, a := range accounts {
		if j := first[a.Key]; j != i {
			buf[off] = byte(j)
			layout[i].dup = true
			off += 8
			continue
		}

		buf[off] = nonDupMarker
		buf[off+1] = boolByte(a.IsSigner)
		buf[off+2] = boolByte(a.IsWritable)
		buf[off+3] = boolByte(a.Executable)
		off += 8

		copy(buf[off:], a.Key[:])
		off += types.PubkeySize
		owner := a.Owner()
		layout[i].owner = off
		copy(buf[off:], owner[:])
		off += types.PubkeySize

		layout[i].lamports = off
		binary.LittleEndian.PutUint64(buf[off:], a.Lamports())
		off += 8
		layout[i].dataLen = off
		binary.LittleEndian.PutUint64(buf[off:], uint64(len(a.Data())))
		off += 8

		layout[i].data = off
		copy(buf[off:], a.Data())
		off += alignedDataSize(len(a.Data()))

		// rent_epoch stays zero.
		off += 8
	}

	binary.LittleEndian.PutUint64(buf[off:], uint64(len(data)))
	off += 8
	copy(buf[off:], data)
	off += len(data)
	copy(buf[off:], programID[:])

	return buf, layout
}

// deserializeOutput checks what the program of frame changed in the input
// region and commits it into the frame's views. Only the first occurrence
// of an account is read back. Resizing an account is rejected because
// views are fixed windows.
func deserializeOutput(input []byte, frame *invoke.Frame, layout []accountLayout) error {
	for i, a := range frame.Accounts {
		l := layout[i]
		if l.dup {
			continue
		}

		n := binary.LittleEndian.Uint64(input[l.dataLen:])
		if n != uint64(len(a.Data())) {
			return svm.NewFault(svm.MalformedArgument,
				fmt.Errorf("%w: %s from %d to %d bytes", invoke.ErrDataLengthChanged, a.Key, len(a.Data()), n))
		}
		post, err := invoke.NewAccountView(a.Key,
			input[l.lamports:l.lamports+8],
			input[l.owner:l.owner+types.PubkeySize],
			input[l.data:l.data+int(n)],
			false, false, false)
		if err != nil {
			return svm.NewFault(svm.MalformedArgument, err)
		}
		if err := a.Commit(frame.ProgramID, frame.Writable.Has(a.Key), post); err != nil {
			return err
		}
	}
	return nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
