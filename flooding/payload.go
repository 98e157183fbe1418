package flooding

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/nel-eleven11/lora_mesh_lab/lib"
	"github.com/nel-eleven11/lora_mesh_lab/topology"
)

// ErrSensorRead marks a cycle whose sensor sample was not a number.
var ErrSensorRead = errors.New("failed to read from sensor")

// Builder renders one of the payload grammars for a node.
type Builder struct {
	Self     lib.NodeID
	Kind     string
	Min, Max int // value range, [Min, Max)
	Rand     lib.Rand
	Sensor   lib.Sensor
	Uptime   func() time.Duration
}

// Build renders the payload for sequence number seq.
func (b *Builder) Build(seq int) (string, error) {
	switch b.Kind {
	case topology.PayloadSensor, topology.PayloadCounter:
		if b.Sensor == nil {
			return "", fmt.Errorf("%w: no sensor attached", ErrSensorRead)
		}
		r := b.Sensor.Read()
		if math.IsNaN(r.Temperature) || math.IsNaN(r.Humidity) {
			return "", ErrSensorRead
		}
		if b.Kind == topology.PayloadSensor {
			return fmt.Sprintf("ID:%d T:%.2f C H:%.2f %%", seq, r.Temperature, r.Humidity), nil
		}
		return fmt.Sprintf("T:%.2f C H:%.2f %% Count: %d", r.Temperature, r.Humidity, seq+1), nil
	case topology.PayloadValue:
		return valueField(b.Self, b.value()), nil
	case topology.PayloadValueTS:
		return valueField(b.Self, b.value()) + b.timestamp(), nil
	case topology.PayloadIDValueTS:
		return fmt.Sprintf("ID: %d | %s%s", seq, valueField(b.Self, b.value()), b.timestamp()), nil
	case topology.PayloadText:
		return fmt.Sprintf("Hello From Node %d", b.Self), nil
	case topology.PayloadData:
		return fmt.Sprintf("ID:%d;Data from Node %d", seq, b.Self), nil
	}
	return "", fmt.Errorf("unknown payload kind %q", b.Kind)
}

func (b *Builder) value() int {
	if b.Rand == nil {
		return b.Min
	}
	return lib.Between(b.Rand, b.Min, b.Max)
}

func (b *Builder) timestamp() string {
	if b.Uptime == nil {
		return ""
	}
	return fmt.Sprintf(" | timestamps: %d", int64(b.Uptime()/time.Second))
}

func valueField(id lib.NodeID, v int) string {
	return fmt.Sprintf("Value N%d: %d", id, v)
}

// SyntheticSensor stands in for the DHT11 on nodes without one. Readings
// wander inside a plausible indoor range.
type SyntheticSensor struct {
	Rand lib.Rand
}

func (s SyntheticSensor) Read() lib.Reading {
	return lib.Reading{
		Temperature: 20 + float64(s.Rand.Intn(1000))/100,
		Humidity:    40 + float64(s.Rand.Intn(2000))/100,
	}
}
