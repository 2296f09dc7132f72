package envelope

import (
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// detection is one probe result inside the device payload.
type detection struct {
	Result string `json:"result"`
}

// detailedDetection is a probe that always carries its findings list on the
// wire, as an explicit empty array when nothing was found.
type detailedDetection struct {
	Result string   `json:"result"`
	Detail []string `json:"detail"`
}

// DevicePayload is the forged device integrity object. Its checksum is the
// hash of the canonical serialization of the same object with checksum
// removed, so recomputing it over (object minus checksum) always reproduces
// the stored value.
type DevicePayload struct {
	Auth       string            `json:"auth"`
	Root       detection         `json:"root"`
	Selinux    detailedDetection `json:"selinux"`
	Xposed     detection         `json:"xposed"`
	Proxy      detection         `json:"proxy"`
	VPN        detection         `json:"vpn"`
	Separation detection         `json:"separation"`
	Emulator   detection         `json:"emulator"`
	Ptrace     detection         `json:"ptrace"`
	Frida      detailedDetection `json:"frida"`
	Hook       detailedDetection `json:"hook"`
	Breakpoint detailedDetection `json:"breakpoint"`
	Nonce      string            `json:"nonce"`
	Timestamp  string            `json:"timestamp"`
	Checksum   string            `json:"checksum,omitempty"`
}

// SafePayload is the companion summary object. No checksum.
type SafePayload struct {
	Sign          string   `json:"sign"`
	Root          string   `json:"root"`
	Emulator      string   `json:"emulator"`
	Hook          string   `json:"hook"`
	Debug         string   `json:"debug"`
	Breakpoint    string   `json:"breakpoint"`
	SupportedAbis []string `json:"supported_abis"`
}

// Environment is the attestation block embedded in protected call params.
// Oppo and Safe are opaque serialized strings on the wire.
type Environment struct {
	DeviceID string `json:"deviceId"`
	Oppo     string `json:"oppo"`
	Safe     string `json:"safe"`
}

// PayloadChecksum computes the self-referential checksum over the payload
// with its checksum field cleared.
func PayloadChecksum(payload DevicePayload) (string, error) {
	payload.Checksum = ""
	canonical, err := Canonicalize(payload)
	if err != nil {
		return "", errors.Wrap(err, "failed to canonicalize device payload")
	}
	return MD5Hex(string(canonical)), nil
}

// BuildEnvironment fabricates the "clean device" attestation for the given
// device id and ABI list, stamped with a fresh nonce and the given time.
func BuildEnvironment(deviceID string, supportedAbis []string, now time.Time) (Environment, error) {
	clean := detection{Result: "false"}

	payload := DevicePayload{
		Auth:       "success",
		Root:       clean,
		Selinux:    detailedDetection{Result: "false", Detail: []string{"Enforcing\n"}},
		Xposed:     clean,
		Proxy:      clean,
		VPN:        clean,
		Separation: clean,
		Emulator:   clean,
		Ptrace:     clean,
		Frida:      detailedDetection{Result: "false", Detail: []string{}},
		Hook:       detailedDetection{Result: "false", Detail: []string{}},
		Breakpoint: detailedDetection{Result: "false", Detail: []string{}},
		Nonce:      uuid.New().String(),
		Timestamp:  strconv.FormatInt(now.UnixMilli(), 10),
	}

	checksum, err := PayloadChecksum(payload)
	if err != nil {
		return Environment{}, err
	}
	payload.Checksum = checksum

	oppo, err := Canonicalize(payload)
	if err != nil {
		return Environment{}, errors.Wrap(err, "failed to serialize device payload")
	}

	safe, err := Canonicalize(SafePayload{
		Sign:          "true",
		Root:          "false",
		Emulator:      "false",
		Hook:          "false",
		Debug:         "false",
		Breakpoint:    "false",
		SupportedAbis: supportedAbis,
	})
	if err != nil {
		return Environment{}, errors.Wrap(err, "failed to serialize safe payload")
	}

	return Environment{
		DeviceID: deviceID,
		Oppo:     string(oppo),
		Safe:     string(safe),
	}, nil
}
