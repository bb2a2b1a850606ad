package gpu

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
	units "github.com/docker/go-units"

	"inference-node/pkg/errors"
)

// DeviceQuerier reads the free memory of an accelerator, in bytes.
type DeviceQuerier interface {
	FreeMemory(ctx context.Context, device int) (int64, error)
}

// NVMLQuerier reads free memory through NVML. It holds the library open until Close.
type NVMLQuerier struct {
	mu sync.Mutex
}

// NewNVMLQuerier initializes NVML.
func NewNVMLQuerier() (*NVMLQuerier, error) {
	if ret := nvml.Init(); ret != nvml.SUCCESS {
		return nil, fmt.Errorf("failed to initialize NVML: %s", nvml.ErrorString(ret))
	}

	return &NVMLQuerier{}, nil
}

// DeviceCount returns the number of devices NVML can see.
func (q *NVMLQuerier) DeviceCount() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	count, ret := nvml.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return 0, fmt.Errorf("failed to get device count: %s", nvml.ErrorString(ret))
	}

	return count, nil
}

func (q *NVMLQuerier) FreeMemory(_ context.Context, device int) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	handle, ret := nvml.DeviceGetHandleByIndex(device)
	if ret != nvml.SUCCESS {
		return -1, errors.NewDeviceQueryError(device, nvml.ErrorString(ret))
	}

	memory, ret := handle.GetMemoryInfo()
	if ret != nvml.SUCCESS {
		return -1, errors.NewDeviceQueryError(device, nvml.ErrorString(ret))
	}

	return int64(memory.Free), nil
}

// Close shuts NVML down.
func (q *NVMLQuerier) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if ret := nvml.Shutdown(); ret != nvml.SUCCESS {
		return fmt.Errorf("failed to shut down NVML: %s", nvml.ErrorString(ret))
	}

	return nil
}

// SMIQuerier shells out to nvidia-smi, for hosts where NVML cannot be loaded in-process.
type SMIQuerier struct {
	Binary string
}

func (q SMIQuerier) FreeMemory(ctx context.Context, device int) (int64, error) {
	binary := q.Binary
	if binary == "" {
		binary = "nvidia-smi"
	}

	var stdout, stderr bytes.Buffer

	cmd := exec.CommandContext(ctx, binary,
		"-i", strconv.Itoa(device),
		"--query-gpu=memory.free",
		"--format=csv,noheader,nounits")
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return -1, errors.NewDeviceQueryError(device, fmt.Sprintf("%v: %s", err, strings.TrimSpace(stderr.String())))
	}

	return parseSMIFreeMemory(device, stdout.Bytes())
}

// parseSMIFreeMemory reads the first line of nvidia-smi output, which is in MiB.
func parseSMIFreeMemory(device int, out []byte) (int64, error) {
	scanner := bufio.NewScanner(bytes.NewReader(out))
	if !scanner.Scan() {
		return -1, errors.NewDeviceQueryError(device, "empty nvidia-smi output")
	}

	mib, err := strconv.ParseInt(strings.TrimSpace(scanner.Text()), 10, 64)
	if err != nil {
		return -1, errors.NewDeviceQueryError(device, err.Error())
	}

	return mib * units.MiB, nil
}

// StaticQuerier returns fixed readings. Negative values report a failed query.
type StaticQuerier struct {
	mu   sync.RWMutex
	free []int64
}

func NewStaticQuerier(free ...int64) *StaticQuerier {
	return &StaticQuerier{free: free}
}

// Set replaces the reading of one device.
func (q *StaticQuerier) Set(device int, free int64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.free) <= device {
		q.free = append(q.free, -1)
	}

	q.free[device] = free
}

func (q *StaticQuerier) FreeMemory(_ context.Context, device int) (int64, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if device < 0 || device >= len(q.free) {
		return -1, errors.NewDeviceQueryError(device, "no such device")
	}

	if q.free[device] < 0 {
		return -1, errors.NewDeviceQueryError(device, "query failed")
	}

	return q.free[device], nil
}
