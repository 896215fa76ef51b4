package forwarding

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestALORegisters_WriteReadRoundTrip(t *testing.T) {
	a := NewALORegisters("module-0/port-0", time.Minute)
	defer a.Close()

	require.NoError(t, a.Write(3, 0xdeadbeef))
	require.NoError(t, a.Write(31, 1))

	flag, regs := a.Read()
	require.Equal(t, uint32(1<<3|1<<31), flag)
	require.Equal(t, uint64(0xdeadbeef), regs[3])
	require.Equal(t, uint64(1), regs[31])
}

func TestALORegisters_WriteOutOfRange(t *testing.T) {
	a := NewALORegisters("module-0/port-1", time.Minute)
	defer a.Close()

	require.Error(t, a.Write(-1, 0))
	require.Error(t, a.Write(NumALORegisters, 0))
}

func TestALORegisters_ReadIsOwnedCopy(t *testing.T) {
	a := NewALORegisters("module-0/port-2", time.Minute)
	defer a.Close()

	require.NoError(t, a.Write(0, 1))
	_, regs := a.Read()
	regs[0] = 99

	_, regs2 := a.Read()
	require.Equal(t, uint64(1), regs2[0], "mutating a returned snapshot must not affect the register block")
}
