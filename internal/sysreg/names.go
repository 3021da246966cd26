package sysreg

import "strings"

// Architectural registers the tooling touches most. Chip-specific
// implementation-defined registers are reached through the generic form.
var (
	MIDR_EL1         = Encoding{3, 0, 0, 0, 0}
	MPIDR_EL1        = Encoding{3, 0, 0, 0, 5}
	REVIDR_EL1       = Encoding{3, 0, 0, 0, 6}
	ID_AA64PFR0_EL1  = Encoding{3, 0, 0, 4, 0}
	ID_AA64ISAR0_EL1 = Encoding{3, 0, 0, 6, 0}
	ID_AA64MMFR0_EL1 = Encoding{3, 0, 0, 7, 0}
	SCTLR_EL1        = Encoding{3, 0, 1, 0, 0}
	SCTLR_EL2        = Encoding{3, 4, 1, 0, 0}
	HCR_EL2          = Encoding{3, 4, 1, 1, 0}
	TTBR0_EL1        = Encoding{3, 0, 2, 0, 0}
	TTBR1_EL1        = Encoding{3, 0, 2, 0, 1}
	TCR_EL1          = Encoding{3, 0, 2, 0, 2}
	ESR_EL1          = Encoding{3, 0, 5, 2, 0}
	ESR_EL2          = Encoding{3, 4, 5, 2, 0}
	FAR_EL1          = Encoding{3, 0, 6, 0, 0}
	FAR_EL2          = Encoding{3, 4, 6, 0, 0}
	MAIR_EL1         = Encoding{3, 0, 10, 2, 0}
	VBAR_EL1         = Encoding{3, 0, 12, 0, 0}
	VBAR_EL2         = Encoding{3, 4, 12, 0, 0}
	CurrentEL        = Encoding{3, 0, 4, 2, 2}
	TPIDR_EL1        = Encoding{3, 0, 13, 0, 4}
	TPIDR_EL2        = Encoding{3, 4, 13, 0, 2}
	CNTFRQ_EL0       = Encoding{3, 3, 14, 0, 0}
	CNTPCT_EL0       = Encoding{3, 3, 14, 0, 1}
	CNTVCT_EL0       = Encoding{3, 3, 14, 0, 2}
	CNTP_CTL_EL0     = Encoding{3, 3, 14, 2, 1}
	CNTV_CTL_EL0     = Encoding{3, 3, 14, 3, 1}
	CNTHCTL_EL2      = Encoding{3, 4, 14, 1, 0}
	TPIDR_EL0        = Encoding{3, 3, 13, 0, 2}
	DAIF             = Encoding{3, 3, 4, 2, 1}
	NZCV             = Encoding{3, 3, 4, 2, 0}
	SPSR_EL2         = Encoding{3, 4, 4, 0, 0}
	ELR_EL2          = Encoding{3, 4, 4, 0, 1}
	OSLAR_EL1        = Encoding{2, 0, 1, 0, 4}
	MDSCR_EL1        = Encoding{2, 0, 0, 2, 2}
)

var names = map[Encoding]string{
	MIDR_EL1:         "MIDR_EL1",
	MPIDR_EL1:        "MPIDR_EL1",
	REVIDR_EL1:       "REVIDR_EL1",
	ID_AA64PFR0_EL1:  "ID_AA64PFR0_EL1",
	ID_AA64ISAR0_EL1: "ID_AA64ISAR0_EL1",
	ID_AA64MMFR0_EL1: "ID_AA64MMFR0_EL1",
	SCTLR_EL1:        "SCTLR_EL1",
	SCTLR_EL2:        "SCTLR_EL2",
	HCR_EL2:          "HCR_EL2",
	TTBR0_EL1:        "TTBR0_EL1",
	TTBR1_EL1:        "TTBR1_EL1",
	TCR_EL1:          "TCR_EL1",
	ESR_EL1:          "ESR_EL1",
	ESR_EL2:          "ESR_EL2",
	FAR_EL1:          "FAR_EL1",
	FAR_EL2:          "FAR_EL2",
	MAIR_EL1:         "MAIR_EL1",
	VBAR_EL1:         "VBAR_EL1",
	VBAR_EL2:         "VBAR_EL2",
	CurrentEL:        "CurrentEL",
	TPIDR_EL1:        "TPIDR_EL1",
	TPIDR_EL2:        "TPIDR_EL2",
	CNTFRQ_EL0:       "CNTFRQ_EL0",
	CNTPCT_EL0:       "CNTPCT_EL0",
	CNTVCT_EL0:       "CNTVCT_EL0",
	CNTP_CTL_EL0:     "CNTP_CTL_EL0",
	CNTV_CTL_EL0:     "CNTV_CTL_EL0",
	CNTHCTL_EL2:      "CNTHCTL_EL2",
	TPIDR_EL0:        "TPIDR_EL0",
	DAIF:             "DAIF",
	NZCV:             "NZCV",
	SPSR_EL2:         "SPSR_EL2",
	ELR_EL2:          "ELR_EL2",
	OSLAR_EL1:        "OSLAR_EL1",
	MDSCR_EL1:        "MDSCR_EL1",
}

var byName = func() map[string]Encoding {
	m := make(map[string]Encoding, len(names))
	for e, n := range names {
		m[strings.ToLower(n)] = e
	}
	return m
}()
