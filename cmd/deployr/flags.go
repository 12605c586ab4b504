package main

import "fmt"

// RegisterFlags holds flags for the register command.
type RegisterFlags struct {
	URL   string
	Token string
	Port  int
}

// TargetFlags selects either one unit by port or all units.
type TargetFlags struct {
	Port int
	All  bool
}

func (f TargetFlags) Validate() error {
	switch {
	case f.All && f.Port != 0:
		return fmt.Errorf("--port and --all are mutually exclusive")
	case f.All:
		return nil
	case f.Port <= 0 || f.Port > 65535:
		return fmt.Errorf("--port must be between 1 and 65535, or use --all")
	}
	return nil
}
