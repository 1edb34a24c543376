// Package vcenter collects virtual machine facts through the vSphere
// Automation REST API.
package vcenter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/quipucords/quipucords/internal/model"
	"github.com/quipucords/quipucords/internal/parallel"
	"github.com/quipucords/quipucords/internal/source"
	"github.com/quipucords/quipucords/internal/source/webclient"
)

const sessionHeader = "vmware-api-session-id"

type Adapter struct {
	// Options tune the HTTP client, BaseURL and Auth are set per source.
	Options webclient.Options
}

func New() *Adapter {
	return &Adapter{}
}

func (a *Adapter) PartialResults() bool {
	return true
}

// vm is an entry of GET /api/vcenter/vm.
type vm struct {
	VM         string `json:"vm"`
	Name       string `json:"name"`
	PowerState string `json:"power_state"`
	CPUCount   int    `json:"cpu_count"`
	MemoryMiB  int    `json:"memory_size_MiB"`
}

// vmInfo is GET /api/vcenter/vm/{vm}.
type vmInfo struct {
	Name       string `json:"name"`
	GuestOS    string `json:"guest_OS"`
	PowerState string `json:"power_state"`
	CPU        struct {
		Count          int `json:"count"`
		CoresPerSocket int `json:"cores_per_socket"`
	} `json:"cpu"`
	Memory struct {
		SizeMiB int `json:"size_MiB"`
	} `json:"memory"`
	Identity struct {
		BiosUUID     string `json:"bios_uuid"`
		InstanceUUID string `json:"instance_uuid"`
	} `json:"identity"`
	Nics map[string]struct {
		MacAddress string `json:"mac_address"`
	} `json:"nics"`
}

// guestIdentity is GET /api/vcenter/vm/{vm}/guest/identity, only available
// while VMware tools run in the guest.
type guestIdentity struct {
	HostName  string `json:"host_name"`
	IPAddress string `json:"ip_address"`
	Family    string `json:"family"`
	FullName  struct {
		DefaultMessage string `json:"default_message"`
	} `json:"full_name"`
}

type host struct {
	Host string `json:"host"`
	Name string `json:"name"`
}

// login opens a session and returns a client authenticated with it and the
// function closing the session.
func (a *Adapter) login(ctx context.Context, src model.Source, cred model.Credential) (*webclient.Client, func(), error) {
	auth := webclient.BasicAuth{Username: cred.Username, Password: cred.Password}
	c, err := webclient.ForSource(src, auth, a.Options)
	if err != nil {
		return nil, nil, err
	}
	var token string
	if err := c.PostJSON(ctx, "/api/session", nil, &token); err != nil {
		return nil, nil, err
	}
	if token == "" {
		return nil, nil, errors.New("empty session token")
	}
	c.SetAuth(webclient.HeaderAuth{Name: sessionHeader, Value: token})
	logout := func() {
		// detached: the session must be closed even after an interrupt
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if _, err := c.Do(ctx, http.MethodDelete, "/api/session", nil, nil); err != nil {
			slog.DebugContext(ctx, "closing vcenter session", slog.String("error", err.Error()))
		}
	}
	return c, logout, nil
}

func (a *Adapter) vms(ctx context.Context, c *webclient.Client, query url.Values) ([]vm, error) {
	var ret []vm
	if err := c.GetJSON(ctx, "/api/vcenter/vm", query, &ret); err != nil {
		return nil, err
	}
	return ret, nil
}

// Connect logs in and lists the virtual machines, each one being a system.
func (a *Adapter) Connect(ctx context.Context, req source.ConnectRequest, emit func(model.ConnectResult) error) error {
	cred, ok := req.Credential(0)
	if !ok || len(req.Source.Hosts) == 0 {
		return source.Failure("missing credential or host", nil)
	}
	c, logout, err := a.login(ctx, req.Source, cred)
	if err != nil {
		return webclient.ConnectFailure(ctx, err)
	}
	defer logout()

	vms, err := a.vms(ctx, c, nil)
	if err != nil {
		return webclient.ConnectFailure(ctx, err)
	}
	if err := req.SetExpected(len(vms)); err != nil {
		return err
	}
	for _, v := range vms {
		if err := ctx.Err(); err != nil {
			return context.Cause(ctx)
		}
		if err := emit(model.ConnectResult{Name: v.Name, Status: model.HostSuccess, CredentialID: cred.ID}); err != nil {
			return err
		}
	}
	return nil
}

// Inspect collects the facts of every virtual machine of the vCenter.
func (a *Adapter) Inspect(ctx context.Context, req source.InspectRequest, emit func(source.HostFacts) error) error {
	cred, ok := req.Credential(0)
	if !ok || len(req.Source.Hosts) == 0 {
		return source.Failure("missing credential or host", nil)
	}
	c, logout, err := a.login(ctx, req.Source, cred)
	if err != nil {
		return webclient.ConnectFailure(ctx, err)
	}
	defer logout()

	vms, err := a.vms(ctx, c, nil)
	if err != nil {
		return webclient.ConnectFailure(ctx, err)
	}
	if err := req.SetExpected(len(vms)); err != nil {
		return err
	}
	hostOf, err := a.vmHosts(ctx, c)
	if err != nil {
		// placement is optional, older vCenters restrict the host listing
		slog.WarnContext(ctx, "listing vcenter hosts", slog.String("error", err.Error()))
	}

	pmap := parallel.NewMap(ctx, req.Options.Concurrency(), func(ctx context.Context, v vm) (source.HostFacts, error) {
		facts, err := a.inspectVM(ctx, c, v, hostOf[v.VM])
		if err != nil {
			return source.HostFacts{Name: v.Name, Status: model.HostFailed, Err: err}, nil
		}
		return source.HostFacts{Name: v.Name, Status: model.HostSuccess, Facts: facts}, nil
	})
	for hf := range pmap.Iter(parallel.Slice(vms)) {
		if ctx.Err() != nil {
			break
		}
		if hf.Err != nil {
			slog.DebugContext(ctx, "inspecting vm", slog.String("vm", hf.Name), slog.String("error", hf.Err.Error()))
		}
		if err := emit(hf); err != nil {
			return err
		}
	}
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	return nil
}

// vmHosts maps vm ids to the name of the ESXi host running them.
func (a *Adapter) vmHosts(ctx context.Context, c *webclient.Client) (map[string]string, error) {
	var hosts []host
	if err := c.GetJSON(ctx, "/api/vcenter/host", nil, &hosts); err != nil {
		return nil, err
	}
	ret := make(map[string]string)
	for _, h := range hosts {
		vms, err := a.vms(ctx, c, url.Values{"hosts": {h.Host}})
		if err != nil {
			return ret, err
		}
		for _, v := range vms {
			ret[v.VM] = h.Name
		}
	}
	return ret, nil
}

func (a *Adapter) inspectVM(ctx context.Context, c *webclient.Client, v vm, hostName string) (model.Facts, error) {
	var info vmInfo
	if err := c.GetJSON(ctx, "/api/vcenter/vm/"+url.PathEscape(v.VM), nil, &info); err != nil {
		return nil, err
	}
	var guest guestIdentity
	if err := c.GetJSON(ctx, "/api/vcenter/vm/"+url.PathEscape(v.VM)+"/guest/identity", nil, &guest); err != nil {
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		var se *webclient.StatusError
		if !errors.As(err, &se) {
			return nil, fmt.Errorf("guest identity: %w", err)
		}
		// tools not running, guest facts stay empty
	}

	macs := make([]string, 0, len(info.Nics))
	for _, n := range info.Nics {
		if n.MacAddress != "" {
			macs = append(macs, strings.ToLower(n.MacAddress))
		}
	}
	slices.Sort(macs)
	ips := []string{}
	if guest.IPAddress != "" {
		ips = append(ips, guest.IPAddress)
	}
	osName := guest.FullName.DefaultMessage
	if osName == "" {
		osName = info.GuestOS
	}

	facts := model.Facts{
		"vm.name":          info.Name,
		"vm.state":         info.PowerState,
		"vm.uuid":          info.Identity.BiosUUID,
		"vm.instance_uuid": info.Identity.InstanceUUID,
		"vm.cpu_count":     info.CPU.Count,
		"vm.memory_size":   float64(info.Memory.SizeMiB) / 1024,
		"vm.os":            osName,
		"vm.dns_name":      guest.HostName,
		"vm.ip_addresses":  ips,
		"vm.mac_addresses": macs,
		"vm.host.name":     hostName,
		"vm.last_check_in": time.Now().UTC().Format(time.RFC3339),
	}
	if info.CPU.CoresPerSocket > 0 {
		facts["vm.cpu_sockets"] = info.CPU.Count / info.CPU.CoresPerSocket
	}
	return facts, nil
}
