package transfer

import "fmt"

// RFConfig holds the radio parameters sent during Configure. Ranges are
// enforced by Validate.
type RFConfig struct {
	Frequency       int // MHz, radio-dependent (433/868/915/...)
	SpreadingFactor int // [6, 14]
	Bandwidth       int // kHz, one of {250, 500}
	PowerDBm        int // [13, 22]
	BaudRate        int // one of the AT+UART=BR supported rates
	Verbose         bool
}

// DefaultRFConfig returns the factory radio configuration.
func DefaultRFConfig() RFConfig {
	return RFConfig{
		Frequency:       868,
		SpreadingFactor: 7,
		Bandwidth:       250,
		PowerDBm:        14,
		BaudRate:        230400,
	}
}

var validBaudRates = map[int]bool{
	9600: true, 14400: true, 19200: true, 38400: true,
	57600: true, 76800: true, 115200: true, 230400: true,
}

var validBandwidths = map[int]bool{250: true, 500: true}

// Validate checks spreading factor, power, bandwidth and baud rate
// against their supported ranges. Frequency is not checked.
func (c RFConfig) Validate() error {
	if c.SpreadingFactor < 6 || c.SpreadingFactor > 14 {
		return fmt.Errorf("transfer: spreading factor %d out of range [6,14]", c.SpreadingFactor)
	}
	if c.PowerDBm < 13 || c.PowerDBm > 22 {
		return fmt.Errorf("transfer: power %ddBm out of range [13,22]", c.PowerDBm)
	}
	if !validBandwidths[c.Bandwidth] {
		return fmt.Errorf("transfer: bandwidth %dkHz not one of 250, 500", c.Bandwidth)
	}
	if !validBaudRates[c.BaudRate] {
		return fmt.Errorf("transfer: baud rate %d not supported", c.BaudRate)
	}
	return nil
}

// Script renders the AT configuration command sequence sent once at
// session start.
func (c RFConfig) Script() []string {
	logLevel := "QUIET"
	if c.Verbose {
		logLevel = "DEBUG"
	}
	return []string{
		fmt.Sprintf("AT+LOG=%s", logLevel),
		fmt.Sprintf("AT+UART=BR, %d", c.BaudRate),
		"AT+MODE=TEST",
		fmt.Sprintf("AT+TEST=RFCFG,%d,SF%d,%d,12,15,%d,ON,OFF,OFF",
			c.Frequency, c.SpreadingFactor, c.Bandwidth, c.PowerDBm),
	}
}
