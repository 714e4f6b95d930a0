package arm

import "testing"

func TestReadWriteRegLowBankAlwaysUsr(t *testing.T) {
	var f GuestFrame
	for _, mode := range []Mode{ModeUsr, ModeSvc, ModeIrq, ModeFiq, ModeAbt, ModeUnd} {
		f.WriteReg(mode, 3, 0xAAAA)
		if got := f.ReadReg(ModeUsr, 3); got != 0xAAAA {
			t.Fatalf("r3 written under mode 0x%x not visible in usr bank: got 0x%x", mode, got)
		}
	}
}

func TestReadWriteRegFIQBankOnlyUnderFIQMode(t *testing.T) {
	var f GuestFrame
	f.WriteReg(ModeFiq, 9, 0x1234)
	if got := f.ReadReg(ModeFiq, 9); got != 0x1234 {
		t.Fatalf("r9 under FIQ mode: got 0x%x, want 0x1234", got)
	}
	if got := f.ReadReg(ModeUsr, 9); got == 0x1234 {
		t.Fatalf("r9 under usr mode unexpectedly aliases the FIQ bank")
	}
}

func TestSPAndLRBankingPerMode(t *testing.T) {
	var f GuestFrame
	cases := []struct {
		mode Mode
		sp   *uint32
		lr   *uint32
	}{
		{ModeSvc, &f.SPSvc, &f.LRSvc},
		{ModeAbt, &f.SPAbt, &f.LRAbt},
		{ModeUnd, &f.SPUnd, &f.LRUnd},
		{ModeIrq, &f.SPIrq, &f.LRIrq},
		{ModeFiq, &f.SPFiq, &f.LRFiq},
	}
	for _, tc := range cases {
		f.WriteReg(tc.mode, 13, 0xDEAD0000)
		f.WriteReg(tc.mode, 14, 0xBEEF0000)
		if *tc.sp != 0xDEAD0000 {
			t.Errorf("mode 0x%x: SP bank not written", tc.mode)
		}
		if *tc.lr != 0xBEEF0000 {
			t.Errorf("mode 0x%x: LR bank not written", tc.mode)
		}
		if got := f.ReadReg(tc.mode, 13); got != 0xDEAD0000 {
			t.Errorf("mode 0x%x: ReadReg(13) = 0x%x", tc.mode, got)
		}
		if got := f.ReadReg(tc.mode, 14); got != 0xBEEF0000 {
			t.Errorf("mode 0x%x: ReadReg(14) = 0x%x", tc.mode, got)
		}
	}
}

func TestUsrAndSysShareTheSameSPLRBank(t *testing.T) {
	var f GuestFrame
	f.WriteReg(ModeUsr, 13, 0x1111)
	if got := f.ReadReg(ModeSys, 13); got != 0x1111 {
		t.Fatalf("sys mode SP = 0x%x, want usr mode's 0x1111", got)
	}
}

func TestR15AliasesPC(t *testing.T) {
	var f GuestFrame
	f.PC = 0x40008000
	if got := f.ReadReg(ModeUsr, 15); got != 0x40008000 {
		t.Fatalf("r15 read = 0x%x, want 0x40008000", got)
	}
	f.WriteReg(ModeUsr, 15, 0x40009000)
	if f.PC != 0x40009000 {
		t.Fatalf("PC after r15 write = 0x%x, want 0x40009000", f.PC)
	}
}

func TestCurrentModeExtractsPSRModeField(t *testing.T) {
	f := GuestFrame{PSR: uint32(ModeSvc) | 0xFFFFFF00}
	if f.CurrentMode() != ModeSvc {
		t.Fatalf("CurrentMode() = 0x%x, want ModeSvc", f.CurrentMode())
	}
}

func TestResetZeroesEverything(t *testing.T) {
	f := GuestFrame{PC: 0x1000, PSR: 0xFF, SPSvc: 1}
	f.Reset()
	if f.PC != 0 || f.PSR != 0 || f.SPSvc != 0 {
		t.Fatalf("Reset left nonzero state: %+v", f)
	}
}
