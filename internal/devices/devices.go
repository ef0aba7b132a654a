// Package devices loads the device inventory file (YAML) and syncs it into
// the database, so sessions can be opened by device name. The file is the
// source of truth for declared devices; entries are upserted on every
// load, never deleted (devices created through the API survive a reload).
package devices

import (
	"fmt"
	"log"
	"os"

	"github.com/tailview/tailview/internal/database"
	"github.com/tailview/tailview/internal/endpoint"
	"github.com/tailview/tailview/internal/logutil"
	"gopkg.in/yaml.v3"
)

type hostEntry struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type bastionEntry struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
}

type deviceEntry struct {
	Name      string        `yaml:"name"`
	Username  string        `yaml:"username"`
	Command   string        `yaml:"command"`
	Primary   hostEntry     `yaml:"primary"`
	Secondary *hostEntry    `yaml:"secondary"`
	Bastion   *bastionEntry `yaml:"bastion"`
	MaxLines  int           `yaml:"max_lines"`
}

type inventory struct {
	Devices []deviceEntry `yaml:"devices"`
}

// Load reads the inventory file and upserts every device. A missing file
// is not an error (an empty inventory is a valid deployment). Returns the
// number of devices loaded.
func Load(path string) (int, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read devices file: %w", err)
	}

	var inv inventory
	if err := yaml.Unmarshal(data, &inv); err != nil {
		return 0, fmt.Errorf("parse devices file: %w", err)
	}

	loaded := 0
	for _, entry := range inv.Devices {
		dev, err := entry.toDevice()
		if err != nil {
			return loaded, fmt.Errorf("device %q: %w", logutil.SanitizeForLog(entry.Name), err)
		}
		if err := database.UpsertDevice(dev); err != nil {
			return loaded, fmt.Errorf("store device %q: %w", logutil.SanitizeForLog(entry.Name), err)
		}
		loaded++
	}
	if loaded > 0 {
		log.Printf("[devices] loaded %d device(s) from %s", loaded, path)
	}
	return loaded, nil
}

func (e deviceEntry) toDevice() (*database.Device, error) {
	if e.Name == "" {
		return nil, fmt.Errorf("missing name")
	}
	dev := &database.Device{
		Name:        e.Name,
		Username:    e.Username,
		Command:     e.Command,
		PrimaryHost: e.Primary.Host,
		PrimaryPort: portOrDefault(e.Primary.Port),
		MaxLines:    e.MaxLines,
	}
	if e.Secondary != nil {
		dev.SecondaryHost = e.Secondary.Host
		dev.SecondaryPort = portOrDefault(e.Secondary.Port)
	}
	if e.Bastion != nil {
		dev.BastionHost = e.Bastion.Host
		dev.BastionPort = portOrDefault(e.Bastion.Port)
		dev.BastionUser = e.Bastion.Username
	}

	primary, _ := Endpoints(dev)
	if err := primary.Validate(); err != nil {
		return nil, err
	}
	if err := endpoint.ValidateCommand(dev.Command); err != nil {
		return nil, err
	}
	return dev, nil
}

func portOrDefault(port int) int {
	if port == 0 {
		return 22
	}
	return port
}

// Endpoints derives the connection specs from a stored device. The
// secondary is nil when the device has no secondary host; the bastion,
// when present, wraps both.
func Endpoints(d *database.Device) (endpoint.Spec, *endpoint.Spec) {
	var bastion *endpoint.Bastion
	if d.BastionHost != "" {
		bastion = &endpoint.Bastion{
			Host:     d.BastionHost,
			Port:     portOrDefault(d.BastionPort),
			Username: d.BastionUser,
		}
	}

	primary := endpoint.Spec{
		Host:     d.PrimaryHost,
		Port:     portOrDefault(d.PrimaryPort),
		Username: d.Username,
		Role:     endpoint.RolePrimary,
		Bastion:  bastion,
	}

	var secondary *endpoint.Spec
	if d.SecondaryHost != "" {
		secondary = &endpoint.Spec{
			Host:     d.SecondaryHost,
			Port:     portOrDefault(d.SecondaryPort),
			Username: d.Username,
			Role:     endpoint.RoleSecondary,
			Bastion:  bastion,
		}
	}
	return primary, secondary
}
