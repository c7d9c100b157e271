package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/WattRex/Battery-Cycler-Drivers-sub000/internal/epc"
)

// inventory lists the units on the bus. Example:
//
//	epc:
//	  - name: cycler-a
//	    id: 3
//	    firmware: ">= 3"
//	    limits:
//	      ls_volt: {max: 4200, min: 2500}
//	    periodic:
//	      elect_period: 250
//	bms:
//	  - name: pack-a
//	    can_id: 0x120
//	    timeout: 30s
type inventory struct {
	EPC []epcEntry `yaml:"epc"`
	BMS []bmsEntry `yaml:"bms"`
}

type epcEntry struct {
	Name     string         `yaml:"name"`
	ID       uint8          `yaml:"id"`
	Firmware string         `yaml:"firmware"`
	Limits   limitsEntry    `yaml:"limits"`
	Periodic *periodicEntry `yaml:"periodic"`
}

type pairEntry struct {
	Max int32 `yaml:"max"`
	Min int32 `yaml:"min"`
}

type limitsEntry struct {
	LSVolt *pairEntry `yaml:"ls_volt"`
	LSCurr *pairEntry `yaml:"ls_curr"`
	LSPwr  *pairEntry `yaml:"ls_pwr"`
	HSVolt *pairEntry `yaml:"hs_volt"`
	Temp   *pairEntry `yaml:"temp"`
}

type periodicEntry struct {
	AckPeriod   uint16 `yaml:"ack_period"`
	ElectPeriod uint16 `yaml:"elect_period"`
	TempPeriod  uint16 `yaml:"temp_period"`
}

type bmsEntry struct {
	Name    string `yaml:"name"`
	CANID   uint16 `yaml:"can_id"`
	Timeout string `yaml:"timeout"`
}

func loadInventory(path string) (*inventory, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read inventory: %w", err)
	}
	return parseInventory(raw)
}

func parseInventory(raw []byte) (*inventory, error) {
	inv := &inventory{}
	if err := yaml.UnmarshalStrict(raw, inv); err != nil {
		return nil, fmt.Errorf("parse inventory: %w", err)
	}
	if err := inv.validate(); err != nil {
		return nil, err
	}
	return inv, nil
}

// validate rejects duplicate names, duplicate identifiers and limits that the
// hardware cannot accept.
func (inv *inventory) validate() error {
	names := map[string]struct{}{}
	claim := func(name string) error {
		if name == "" {
			return fmt.Errorf("inventory: unnamed device")
		}
		if _, dup := names[name]; dup {
			return fmt.Errorf("inventory: duplicate device name %q", name)
		}
		names[name] = struct{}{}
		return nil
	}
	ids := map[uint8]string{}
	for _, e := range inv.EPC {
		if err := claim(e.Name); err != nil {
			return err
		}
		if e.ID > epc.MaxDeviceID {
			return fmt.Errorf("inventory: %s: id %d above %d", e.Name, e.ID, epc.MaxDeviceID)
		}
		if other, dup := ids[e.ID]; dup {
			return fmt.Errorf("inventory: %s and %s share EPC id %d", other, e.Name, e.ID)
		}
		ids[e.ID] = e.Name
		if _, err := e.limits(); err != nil {
			return fmt.Errorf("inventory: %s: %w", e.Name, err)
		}
	}
	canIDs := map[uint16]string{}
	for _, b := range inv.BMS {
		if err := claim(b.Name); err != nil {
			return err
		}
		if b.CANID > 0x7FF {
			return fmt.Errorf("inventory: %s: can_id 0x%X is not an 11-bit id", b.Name, b.CANID)
		}
		if owner, ok := ids[uint8(b.CANID>>4)]; ok {
			return fmt.Errorf("inventory: %s: can_id 0x%03X falls inside the range of %s", b.Name, b.CANID, owner)
		}
		if other, dup := canIDs[b.CANID]; dup {
			return fmt.Errorf("inventory: %s and %s share can_id 0x%03X", other, b.Name, b.CANID)
		}
		canIDs[b.CANID] = b.Name
		if _, err := b.timeout(); err != nil {
			return fmt.Errorf("inventory: %s: %w", b.Name, err)
		}
	}
	return nil
}

// limits merges the configured pairs over the hardware range.
func (e epcEntry) limits() (epc.Limits, error) {
	l := epc.HardwareLimits()
	pick := func(p *pairEntry, dst *epc.Limit) {
		if p != nil {
			*dst = epc.Limit{Max: p.Max, Min: p.Min}
		}
	}
	pick(e.Limits.LSVolt, &l.LSVolt)
	pick(e.Limits.LSCurr, &l.LSCurr)
	pick(e.Limits.LSPwr, &l.LSPwr)
	pick(e.Limits.HSVolt, &l.HSVolt)
	pick(e.Limits.Temp, &l.Temp)
	return epc.NewLimits(l.LSVolt, l.LSCurr, l.LSPwr, l.HSVolt, l.Temp)
}

// periodic enables each stream with a non-zero period.
func (e epcEntry) periodic() (epc.Periodic, bool) {
	if e.Periodic == nil {
		return epc.Periodic{}, false
	}
	p := e.Periodic
	return epc.Periodic{
		AckEnabled:   p.AckPeriod > 0,
		AckPeriod:    p.AckPeriod,
		ElectEnabled: p.ElectPeriod > 0,
		ElectPeriod:  p.ElectPeriod,
		TempEnabled:  p.TempPeriod > 0,
		TempPeriod:   p.TempPeriod,
	}, true
}

func (b bmsEntry) timeout() (time.Duration, error) {
	if b.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(b.Timeout)
	if err != nil {
		return 0, fmt.Errorf("timeout: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("timeout must be > 0")
	}
	return d, nil
}
