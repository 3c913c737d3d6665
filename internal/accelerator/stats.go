package accelerator

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// GPUInfo is a point-in-time view of one GPU. Memory is in MB.
type GPUInfo struct {
	Index         int    `json:"index"`
	Name          string `json:"name"`
	Backend       string `json:"backend"`
	DriverVersion string `json:"driver_version"`
	Temperature   int    `json:"temperature"`
	Utilization   struct {
		GPU    int `json:"gpu"`
		Memory int `json:"memory"`
	} `json:"utilization"`
	Memory struct {
		Total int `json:"total"`
		Free  int `json:"free"`
		Used  int `json:"used"`
	} `json:"memory"`
	Power struct {
		Draw  float64 `json:"draw"`
		Limit float64 `json:"limit"`
	} `json:"power"`
	Clocks struct {
		Graphics int `json:"graphics"`
		Memory   int `json:"memory"`
	} `json:"clocks"`
	Fan struct {
		Speed int `json:"speed"`
	} `json:"fan"`
}

// Report is the accelerator status served by the API
type Report struct {
	HasCUDA bool      `json:"has_cuda"`
	HasMPS  bool      `json:"has_mps"`
	GPUs    []GPUInfo `json:"gpus"`
	Error   string    `json:"error,omitempty"`
}

// StatsCollector reads GPU details from nvidia-smi and system_profiler
type StatsCollector struct {
	backends []Backend
	run      CommandRunner
	timeout  time.Duration
	logger   *slog.Logger
}

func NewStatsCollector(backends []Backend, run CommandRunner, timeout time.Duration, logger *slog.Logger) *StatsCollector {
	if run == nil {
		run = ExecRunner
	}
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StatsCollector{backends: backends, run: run, timeout: timeout, logger: logger}
}

var nvidiaSMIQuery = strings.Join([]string{
	"index",
	"name",
	"driver_version",
	"temperature.gpu",
	"utilization.gpu",
	"utilization.memory",
	"memory.total",
	"memory.free",
	"memory.used",
	"power.draw",
	"power.limit",
	"clocks.current.graphics",
	"clocks.current.memory",
	"fan.speed",
}, ",")

// Collect never fails; problems are reported in Report.Error
func (s *StatsCollector) Collect(ctx context.Context) Report {
	report := Report{GPUs: []GPUInfo{}}
	var errs []string

	for _, b := range s.backends {
		if !b.IsAvailable() {
			continue
		}

		var (
			gpus []GPUInfo
			err  error
		)
		switch b.Name() {
		case NameCUDA:
			report.HasCUDA = true
			gpus, err = s.collectCUDA(ctx)
		case NameMPS:
			report.HasMPS = true
			gpus = s.collectMPS(ctx)
		}
		if err != nil {
			s.logger.Error("Failed to fetch GPU stats",
				slog.String("backend", b.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", b.Name(), err))
			continue
		}
		report.GPUs = append(report.GPUs, gpus...)
	}

	if !report.HasCUDA && !report.HasMPS {
		errs = append(errs, "no accelerator available on this system")
	}
	report.Error = strings.Join(errs, "; ")

	return report
}

func (s *StatsCollector) collectCUDA(ctx context.Context) ([]GPUInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	out, err := s.run(ctx, "nvidia-smi", "--query-gpu="+nvidiaSMIQuery, "--format=csv,noheader,nounits")
	if err != nil {
		return nil, fmt.Errorf("nvidia-smi failed: %w", err)
	}
	return ParseNvidiaSMI(out)
}

func (s *StatsCollector) collectMPS(ctx context.Context) []GPUInfo {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	out, err := s.run(ctx, "system_profiler", "SPDisplaysDataType", "-json")
	if err != nil {
		s.logger.Warn("system_profiler failed, reporting default MPS device",
			slog.String("error", err.Error()),
		)
		return []GPUInfo{defaultMPSGPU()}
	}

	gpus, err := ParseSystemProfiler(out)
	if err != nil {
		s.logger.Warn("Failed to parse system_profiler output, reporting default MPS device",
			slog.String("error", err.Error()),
		)
		return []GPUInfo{defaultMPSGPU()}
	}
	return gpus
}

// ParseNvidiaSMI reads `nvidia-smi --format=csv,noheader,nounits` rows in nvidiaSMIQuery order
func ParseNvidiaSMI(out []byte) ([]GPUInfo, error) {
	r := csv.NewReader(bytes.NewReader(out))
	r.TrimLeadingSpace = true
	r.FieldsPerRecord = strings.Count(nvidiaSMIQuery, ",") + 1

	var gpus []GPUInfo
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("invalid nvidia-smi output: %w", err)
		}

		var g GPUInfo
		g.Index = atoi(rec[0])
		g.Name = rec[1]
		g.Backend = NameCUDA
		g.DriverVersion = rec[2]
		g.Temperature = atoi(rec[3])
		g.Utilization.GPU = atoi(rec[4])
		g.Utilization.Memory = atoi(rec[5])
		g.Memory.Total = atoi(rec[6])
		g.Memory.Free = atoi(rec[7])
		g.Memory.Used = atoi(rec[8])
		g.Power.Draw = atof(rec[9])
		g.Power.Limit = atof(rec[10])
		g.Clocks.Graphics = atoi(rec[11])
		g.Clocks.Memory = atoi(rec[12])
		g.Fan.Speed = atoi(rec[13])
		gpus = append(gpus, g)
	}

	return gpus, nil
}

// atoi tolerates "[N/A]" and other non-numeric cells by returning 0
func atoi(s string) int {
	f := atof(s)
	return int(f)
}

func atof(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return f
}

var vramPattern = regexp.MustCompile(`(?i)(\d+)\s*(MB|GB)`)

// ParseVRAM converts "8192 MB" or "8 GB" to MB; anything else is 0
func ParseVRAM(s string) int {
	m := vramPattern.FindStringSubmatch(s)
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	if strings.EqualFold(m[2], "GB") {
		n *= 1024
	}
	return n
}

type systemProfilerDisplay struct {
	Name       string `json:"_name"`
	Model      string `json:"sppci_model"`
	VRAM       string `json:"sppci_vram"`
	SharedVRAM string `json:"_spdisplays_vram"`
}

// ParseSystemProfiler reads `system_profiler SPDisplaysDataType -json`.
// MPS exposes no live telemetry, so only name and total memory are filled in.
// An empty display list yields a single default device.
func ParseSystemProfiler(out []byte) ([]GPUInfo, error) {
	var data struct {
		Displays []systemProfilerDisplay `json:"SPDisplaysDataType"`
	}
	if err := json.Unmarshal(out, &data); err != nil {
		return nil, fmt.Errorf("invalid system_profiler output: %w", err)
	}

	gpus := make([]GPUInfo, 0, len(data.Displays))
	for i, d := range data.Displays {
		name := d.Name
		if name == "" {
			name = d.Model
		}
		if name == "" {
			name = "Unknown GPU"
		}

		vram := d.VRAM
		if vram == "" {
			vram = d.SharedVRAM
		}

		g := GPUInfo{Index: i, Name: name, Backend: NameMPS, DriverVersion: "MPS"}
		g.Memory.Total = ParseVRAM(vram)
		g.Memory.Free = g.Memory.Total
		gpus = append(gpus, g)
	}

	if len(gpus) == 0 {
		gpus = append(gpus, defaultMPSGPU())
	}
	return gpus, nil
}

func defaultMPSGPU() GPUInfo {
	return GPUInfo{Index: 0, Name: "Apple GPU (MPS)", Backend: NameMPS, DriverVersion: "MPS"}
}
