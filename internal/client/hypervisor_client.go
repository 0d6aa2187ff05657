package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/wenwu/saas-platform/compute-lease-service/internal/apperror"
	"github.com/wenwu/saas-platform/compute-lease-service/internal/config"
	"github.com/wenwu/saas-platform/compute-lease-service/internal/logger"
)

const (
	sessionHeader = "vmware-api-session-id"
	mib           = 1024
	gib           = int64(1024 * 1024 * 1024)
)

// HypervisorClient talks to the vSphere-style automation API of the control plane.
type HypervisorClient struct {
	baseURL        string
	username       string
	password       string
	defaultNetwork string
	httpClient     *http.Client
	logger         *logger.Logger
}

// NewHypervisorClient creates a new hypervisor client
func NewHypervisorClient(cfg *config.HypervisorConfig, log *logger.Logger) *HypervisorClient {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // lab control planes use self-signed certs
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return &HypervisorClient{
		baseURL:        strings.TrimRight(cfg.URL, "/"),
		username:       cfg.Username,
		password:       cfg.Password,
		defaultNetwork: cfg.DefaultNetwork,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		logger: log.With("hypervisor"),
	}
}

// Session is an authenticated control-plane session.
type Session struct {
	ID string
}

// Capacity is free capacity across the platform.
type Capacity struct {
	CPU       int
	RAMGB     int
	StorageGB int
}

// Fits reports whether the requested profile fits in c.
func (c *Capacity) Fits(cpu, ramGB, storageGB int) bool {
	return cpu <= c.CPU && ramGB <= c.RAMGB && storageGB <= c.StorageGB
}

// Image is a bootable ISO stored on a datastore.
type Image struct {
	Datastore     string `json:"datastore"`
	DatastoreName string `json:"datastore_name"`
	Path          string `json:"path"`
}

// Ref is the datastore path notation, e.g. "[ds1] iso/ubuntu.iso".
func (i Image) Ref() string {
	return fmt.Sprintf("[%s] %s", i.DatastoreName, i.Path)
}

// Matches reports whether ref designates this image, either by datastore path or bare path.
func (i Image) Matches(ref string) bool {
	ref = strings.TrimSpace(ref)
	return ref != "" && (ref == i.Ref() || ref == i.Path)
}

// VMSpec describes the VM to create.
type VMSpec struct {
	Name      string
	CPU       int
	RAMGB     int
	StorageGB int
	OSFamily  string
	Network   string
	BootImage string
}

// CreatedVM is the result of a successful creation.
type CreatedVM struct {
	ExternalID string
	Network    string
	Image      string
}

// NetworkInterface is a guest NIC as reported by the guest tools.
type NetworkInterface struct {
	MACAddress string      `json:"mac_addr"`
	IP         interfaceIP `json:"ip"`
}

type interfaceIP struct {
	IPAddresses []ipAddress `json:"ip_addresses"`
}

type ipAddress struct {
	IPAddress    string `json:"ip_address"`
	PrefixLength int    `json:"prefix_length"`
	State        string `json:"state"`
}

// VMDetails is the subset of VM information the service needs.
type VMDetails struct {
	Name       string `json:"name"`
	PowerState string `json:"power_state"`
	GuestOS    string `json:"guest_OS"`
	CPU        struct {
		Count int `json:"count"`
	} `json:"cpu"`
	Memory struct {
		SizeMiB int `json:"size_MiB"`
	} `json:"memory"`
}

// ConsoleTicket grants remote console access to a VM.
type ConsoleTicket struct {
	Ticket string `json:"ticket"`
}

type hostSummary struct {
	Host            string `json:"host"`
	Name            string `json:"name"`
	ConnectionState string `json:"connection_state"`
	PowerState      string `json:"power_state"`
	CPUCount        int    `json:"cpu_count"`
	MemorySizeMiB   int64  `json:"memory_size_MiB"`
}

type vmSummary struct {
	VM            string `json:"vm"`
	Name          string `json:"name"`
	PowerState    string `json:"power_state"`
	CPUCount      int    `json:"cpu_count"`
	MemorySizeMiB int64  `json:"memory_size_MiB"`
}

type datastoreSummary struct {
	Datastore string `json:"datastore"`
	Name      string `json:"name"`
	FreeSpace int64  `json:"free_space"`
	Capacity  int64  `json:"capacity"`
}

type networkSummary struct {
	Network string `json:"network"`
	Name    string `json:"name"`
}

type diskSummary struct {
	Disk string `json:"disk"`
}

type diskInfo struct {
	Capacity int64 `json:"capacity"`
}

// statusError is a non-2xx answer from the control plane.
type statusError struct {
	StatusCode int
	Body       string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("hypervisor returned status %d: %s", e.StatusCode, e.Body)
}

func statusCode(err error) int {
	var se *statusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

// Authenticate opens a session.
func (c *HypervisorClient) Authenticate(ctx context.Context) (*Session, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/session", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.SetBasicAuth(c.username, c.password)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperror.HypervisorUnreachable(fmt.Errorf("send request: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperror.HypervisorUnreachable(fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, apperror.HypervisorUnreachable(&statusError{StatusCode: resp.StatusCode, Body: string(body)})
	}

	var token string
	if err := json.Unmarshal(body, &token); err != nil || token == "" {
		return nil, apperror.HypervisorUnreachable(fmt.Errorf("decode session token: %v", err))
	}

	return &Session{ID: token}, nil
}

// EndSession closes a session.
func (c *HypervisorClient) EndSession(ctx context.Context, s *Session) error {
	if s == nil {
		return nil
	}
	return c.do(ctx, s, http.MethodDelete, "/api/session", nil, nil)
}

// WithSession authenticates, runs fn and always ends the session, including when fn fails or
// panics. The session is ended with a detached context so a cancelled caller cannot leak it.
func (c *HypervisorClient) WithSession(ctx context.Context, fn func(s *Session) error) error {
	s, err := c.Authenticate(ctx)
	if err != nil {
		return err
	}
	defer func() {
		endCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := c.EndSession(endCtx, s); err != nil {
			c.logger.WarnWithErr(err, "Failed to end hypervisor session")
		}
	}()
	return fn(s)
}

// Capacity aggregates free CPU, RAM and storage. Sub-call failures degrade to zero for the
// affected dimension rather than failing the whole call.
func (c *HypervisorClient) Capacity(ctx context.Context, s *Session) (*Capacity, error) {
	var (
		hostCPU int
		hostMiB int64
		hostsOK = true
	)

	var hosts []hostSummary
	if err := c.do(ctx, s, http.MethodGet, "/api/vcenter/host", nil, &hosts); err != nil {
		c.logger.WarnWithErr(err, "Failed to list hosts; reporting zero CPU/RAM")
		hostsOK = false
	}
	for _, h := range hosts {
		if h.ConnectionState != "" && h.ConnectionState != "CONNECTED" {
			continue
		}
		if h.PowerState != "" && h.PowerState != "POWERED_ON" {
			continue
		}
		hostCPU += h.CPUCount
		hostMiB += h.MemorySizeMiB
	}

	var (
		usedCPU  int
		usedMiB  int64
		usedDisk int64
		vmsOK    = true
	)

	var vms []vmSummary
	if err := c.do(ctx, s, http.MethodGet, "/api/vcenter/vm?power_states=POWERED_ON", nil, &vms); err != nil {
		c.logger.WarnWithErr(err, "Failed to list powered-on VMs; reporting zero CPU/RAM")
		vmsOK = false
	}
	for _, vm := range vms {
		usedCPU += vm.CPUCount
		usedMiB += vm.MemorySizeMiB
		usedDisk += c.vmDiskBytes(ctx, s, vm.VM)
	}

	var (
		dsBytes int64
		dsOK    = true
	)
	var datastores []datastoreSummary
	if err := c.do(ctx, s, http.MethodGet, "/api/vcenter/datastore", nil, &datastores); err != nil {
		c.logger.WarnWithErr(err, "Failed to list datastores; reporting zero storage")
		dsOK = false
	}
	for _, ds := range datastores {
		dsBytes += ds.Capacity
	}

	capacity := &Capacity{}
	if hostsOK && vmsOK {
		capacity.CPU = clamp(hostCPU - usedCPU)
		capacity.RAMGB = clamp(int((hostMiB - usedMiB) / mib))
	}
	if dsOK && vmsOK {
		capacity.StorageGB = clamp(int((dsBytes - usedDisk) / gib))
	}

	c.logger.Debugf("Capacity: cpu=%d ram=%dGB storage=%dGB", capacity.CPU, capacity.RAMGB, capacity.StorageGB)
	return capacity, nil
}

// vmDiskBytes sums a VM's disk capacities, skipping disks whose details cannot be read.
func (c *HypervisorClient) vmDiskBytes(ctx context.Context, s *Session, vmID string) int64 {
	var disks []diskSummary
	if err := c.do(ctx, s, http.MethodGet, "/api/vcenter/vm/"+url.PathEscape(vmID)+"/hardware/disk", nil, &disks); err != nil {
		c.logger.WarnWithErr(err, "Failed to list disks of VM "+vmID)
		return 0
	}

	var total int64
	for _, d := range disks {
		var info diskInfo
		path := "/api/vcenter/vm/" + url.PathEscape(vmID) + "/hardware/disk/" + url.PathEscape(d.Disk)
		if err := c.do(ctx, s, http.MethodGet, path, nil, &info); err != nil {
			c.logger.WarnWithErr(err, "Failed to read disk "+d.Disk+" of VM "+vmID)
			continue
		}
		total += info.Capacity
	}
	return total
}

// ListImages enumerates ISO images on every datastore.
func (c *HypervisorClient) ListImages(ctx context.Context, s *Session) ([]Image, error) {
	var datastores []datastoreSummary
	if err := c.do(ctx, s, http.MethodGet, "/api/vcenter/datastore", nil, &datastores); err != nil {
		return nil, c.classify(err, "list datastores")
	}

	var images []Image
	for _, ds := range datastores {
		var files []struct {
			Path string `json:"path"`
		}
		path := "/api/vcenter/datastore/" + url.PathEscape(ds.Datastore) + "/files?pattern=" + url.QueryEscape("*.iso")
		if err := c.do(ctx, s, http.MethodGet, path, nil, &files); err != nil {
			c.logger.WarnWithErr(err, "Failed to browse datastore "+ds.Name)
			continue
		}
		for _, f := range files {
			images = append(images, Image{Datastore: ds.Datastore, DatastoreName: ds.Name, Path: f.Path})
		}
	}
	return images, nil
}

// CreateVM places, creates and powers on a VM.
func (c *HypervisorClient) CreateVM(ctx context.Context, s *Session, spec *VMSpec) (*CreatedVM, error) {
	c.logger.Infof("Creating VM %s (cpu=%d ram=%dGB disk=%dGB os=%s)", spec.Name, spec.CPU, spec.RAMGB, spec.StorageGB, spec.OSFamily)

	network, err := c.resolveNetwork(ctx, s, spec.Network)
	if err != nil {
		return nil, err
	}

	var (
		datastore string
		imageRef  string
	)
	if spec.BootImage != "" {
		images, err := c.ListImages(ctx, s)
		if err != nil {
			return nil, err
		}
		for _, img := range images {
			if img.Matches(spec.BootImage) {
				datastore = img.Datastore
				imageRef = img.Ref()
				break
			}
		}
		if imageRef == "" {
			return nil, apperror.Validation(fmt.Sprintf("boot image %q does not resolve to a datastore entry", spec.BootImage))
		}
	} else {
		datastore, err = c.roomiestDatastore(ctx, s)
		if err != nil {
			return nil, err
		}
	}

	host, err := c.firstConnectedHost(ctx, s)
	if err != nil {
		return nil, err
	}

	body := map[string]interface{}{
		"name":     spec.Name,
		"guest_OS": guestOSIdentifier(spec.OSFamily),
		"placement": map[string]string{
			"datastore": datastore,
			"host":      host,
		},
		"cpu":    map[string]int{"count": spec.CPU},
		"memory": map[string]int{"size_MiB": spec.RAMGB * mib},
		"disks": []map[string]interface{}{
			{"new_vmdk": map[string]int64{"capacity": int64(spec.StorageGB) * gib}},
		},
		"nics": []map[string]interface{}{
			{"start_connected": true, "backing": map[string]string{"type": "STANDARD_PORTGROUP", "network": network}},
		},
	}
	if imageRef != "" {
		body["cdroms"] = []map[string]interface{}{
			{"start_connected": true, "backing": map[string]string{"type": "ISO_FILE", "iso_file": imageRef}},
		}
	}

	var externalID string
	if err := c.do(ctx, s, http.MethodPost, "/api/vcenter/vm", body, &externalID); err != nil {
		switch code := statusCode(err); {
		case code == 0, code == http.StatusUnauthorized, code == http.StatusForbidden:
			return nil, apperror.HypervisorUnreachable(err)
		default:
			return nil, apperror.CreationFailed(err)
		}
	}

	if err := c.do(ctx, s, http.MethodPost, "/api/vcenter/vm/"+url.PathEscape(externalID)+"/power?action=start", nil, nil); err != nil {
		c.logger.WarnWithErr(err, "VM "+externalID+" created but power-on failed")
	}

	c.logger.Infof("VM created: %s (network=%s image=%s)", externalID, network, imageRef)
	return &CreatedVM{ExternalID: externalID, Network: network, Image: imageRef}, nil
}

// NetworkInterfaces lists guest NICs. A VM whose guest tools are not running yet yields an
// empty list rather than an error.
func (c *HypervisorClient) NetworkInterfaces(ctx context.Context, s *Session, externalID string) ([]NetworkInterface, error) {
	var ifaces []NetworkInterface
	path := "/api/vcenter/vm/" + url.PathEscape(externalID) + "/guest/networking/interfaces"
	if err := c.do(ctx, s, http.MethodGet, path, nil, &ifaces); err != nil {
		if statusCode(err) == http.StatusServiceUnavailable {
			return nil, nil
		}
		return nil, c.classify(err, "list network interfaces")
	}
	return ifaces, nil
}

// GuestAddress returns the first usable IPv4 address of the VM, or "" when none is assigned yet.
func (c *HypervisorClient) GuestAddress(ctx context.Context, s *Session, externalID string) (string, error) {
	ifaces, err := c.NetworkInterfaces(ctx, s, externalID)
	if err != nil {
		return "", err
	}
	return FirstUsableIPv4(ifaces), nil
}

// FirstUsableIPv4 picks the first IPv4 address that is not link-local, loopback or unspecified.
func FirstUsableIPv4(ifaces []NetworkInterface) string {
	for _, iface := range ifaces {
		for _, addr := range iface.IP.IPAddresses {
			ip, err := netip.ParseAddr(addr.IPAddress)
			if err != nil || !ip.Is4() {
				continue
			}
			if ip.IsLinkLocalUnicast() || ip.IsLoopback() || ip.IsUnspecified() {
				continue
			}
			return ip.String()
		}
	}
	return ""
}

// VMDetails fetches power state and sizing of a VM.
func (c *HypervisorClient) VMDetails(ctx context.Context, s *Session, externalID string) (*VMDetails, error) {
	var details VMDetails
	if err := c.do(ctx, s, http.MethodGet, "/api/vcenter/vm/"+url.PathEscape(externalID), nil, &details); err != nil {
		return nil, c.classify(err, "get vm")
	}
	return &details, nil
}

// ConsoleTicket requests a remote console ticket for a VM.
func (c *HypervisorClient) ConsoleTicket(ctx context.Context, s *Session, externalID string) (*ConsoleTicket, error) {
	var ticket ConsoleTicket
	path := "/api/vcenter/vm/" + url.PathEscape(externalID) + "/console/tickets"
	if err := c.do(ctx, s, http.MethodPost, path, map[string]string{"type": "VMRC"}, &ticket); err != nil {
		return nil, c.classify(err, "create console ticket")
	}
	return &ticket, nil
}

// DeleteVM forcefully powers off and deletes a VM.
func (c *HypervisorClient) DeleteVM(ctx context.Context, s *Session, externalID string) error {
	c.logger.Infof("Deleting VM %s", externalID)

	id := url.PathEscape(externalID)
	if err := c.do(ctx, s, http.MethodPost, "/api/vcenter/vm/"+id+"/power?action=stop", nil, nil); err != nil {
		// 400 means it is already powered off.
		if statusCode(err) != http.StatusBadRequest {
			c.logger.WarnWithErr(err, "Failed to power off VM "+externalID)
		}
	}

	if err := c.do(ctx, s, http.MethodDelete, "/api/vcenter/vm/"+id, nil, nil); err != nil {
		return c.classify(err, "delete vm")
	}
	return nil
}

func (c *HypervisorClient) resolveNetwork(ctx context.Context, s *Session, requested string) (string, error) {
	var networks []networkSummary
	if err := c.do(ctx, s, http.MethodGet, "/api/vcenter/network", nil, &networks); err != nil {
		return "", c.classify(err, "list networks")
	}

	want := requested
	if want == "" {
		want = c.defaultNetwork
	}
	for _, n := range networks {
		if want == "" || n.Network == want || n.Name == want {
			return n.Network, nil
		}
	}
	if want == "" {
		return "", apperror.Validation("no network available for placement")
	}
	return "", apperror.Validation(fmt.Sprintf("network %q not found", want))
}

func (c *HypervisorClient) roomiestDatastore(ctx context.Context, s *Session) (string, error) {
	var datastores []datastoreSummary
	if err := c.do(ctx, s, http.MethodGet, "/api/vcenter/datastore", nil, &datastores); err != nil {
		return "", c.classify(err, "list datastores")
	}
	best := ""
	var bestFree int64 = -1
	for _, ds := range datastores {
		if ds.FreeSpace > bestFree {
			best, bestFree = ds.Datastore, ds.FreeSpace
		}
	}
	if best == "" {
		return "", apperror.CreationFailed(errors.New("no datastore available for placement"))
	}
	return best, nil
}

func (c *HypervisorClient) firstConnectedHost(ctx context.Context, s *Session) (string, error) {
	var hosts []hostSummary
	if err := c.do(ctx, s, http.MethodGet, "/api/vcenter/host", nil, &hosts); err != nil {
		return "", c.classify(err, "list hosts")
	}
	for _, h := range hosts {
		if (h.ConnectionState == "" || h.ConnectionState == "CONNECTED") && (h.PowerState == "" || h.PowerState == "POWERED_ON") {
			return h.Host, nil
		}
	}
	return "", apperror.CreationFailed(errors.New("no connected host available for placement"))
}

// classify turns a transport or status error into the service taxonomy.
func (c *HypervisorClient) classify(err error, op string) error {
	switch code := statusCode(err); {
	case code == 0, code == http.StatusUnauthorized, code == http.StatusForbidden, code >= 500:
		return apperror.HypervisorUnreachable(fmt.Errorf("%s: %w", op, err))
	case code == http.StatusNotFound:
		return apperror.Wrap(err, apperror.CodeNotFound, "virtual machine not found", http.StatusNotFound)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

func (c *HypervisorClient) do(ctx context.Context, s *Session, method, path string, in, out interface{}) error {
	var reader io.Reader
	if in != nil {
		body, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s != nil {
		req.Header.Set(sessionHeader, s.ID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &statusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode response: %w (body: %s)", err, string(respBody))
		}
	}
	return nil
}

func guestOSIdentifier(family string) string {
	switch strings.ToLower(family) {
	case "ubuntu":
		return "UBUNTU_64"
	case "debian":
		return "DEBIAN_12_64"
	case "centos":
		return "CENTOS_8_64"
	case "rocky":
		return "ROCKYLINUX_64"
	case "rhel":
		return "RHEL_9_64"
	case "windows":
		return "WINDOWS_11_64"
	case "windows-server":
		return "WINDOWS_SERVER_2021"
	default:
		return "OTHER_LINUX_64"
	}
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	return v
}
