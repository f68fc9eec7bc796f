// ABOUTME: mDNS advertisement and browsing for sendspin servers
// ABOUTME: servers advertise _sendspin-server._tcp, clients browse for it to find a server to dial
package discovery

import (
	"context"
	"fmt"
	"log"
	"net"

	"github.com/hashicorp/mdns"
)

const (
	serverServiceType = "_sendspin-server._tcp"
	defaultPath       = "/sendspin"
)

// Config configures a Manager.
type Config struct {
	ServiceName string
	Port        int
}

// Manager advertises this server via mDNS, or browses for other servers.
type Manager struct {
	config  Config
	ctx     context.Context
	cancel  context.CancelFunc
	servers chan *ServerInfo
}

// ServerInfo describes a discovered sendspin server.
type ServerInfo struct {
	Name string
	Host string
	Port int
}

// NewManager creates a discovery manager bound to config.
func NewManager(config Config) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		config:  config,
		ctx:     ctx,
		cancel:  cancel,
		servers: make(chan *ServerInfo, 10),
	}
}

// Advertise registers this server's _sendspin-server._tcp mDNS record and
// keeps it alive until Stop is called.
func (m *Manager) Advertise() error {
	ips, err := localIPv4s()
	if err != nil {
		return fmt.Errorf("discovery: local IPs: %w", err)
	}

	service, err := mdns.NewMDNSService(
		m.config.ServiceName,
		serverServiceType,
		"",
		"",
		m.config.Port,
		ips,
		[]string{"path=" + defaultPath},
	)
	if err != nil {
		return fmt.Errorf("discovery: new mdns service: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return fmt.Errorf("discovery: new mdns server: %w", err)
	}

	log.Printf("mDNS: advertising %s as %s on port %d", m.config.ServiceName, serverServiceType, m.config.Port)

	go func() {
		<-m.ctx.Done()
		server.Shutdown()
	}()
	return nil
}

// Browse starts a background loop querying for _sendspin-server._tcp
// records; discovered servers are delivered on Servers().
func (m *Manager) Browse() {
	go m.browseLoop()
}

func (m *Manager) browseLoop() {
	for {
		select {
		case <-m.ctx.Done():
			return
		default:
		}

		entries := make(chan *mdns.ServiceEntry, 10)
		go func() {
			for entry := range entries {
				info := &ServerInfo{Name: entry.Name, Port: entry.Port}
				if entry.AddrV4 != nil {
					info.Host = entry.AddrV4.String()
				}
				select {
				case m.servers <- info:
				case <-m.ctx.Done():
					return
				}
			}
		}()

		mdns.Query(&mdns.QueryParam{
			Service: serverServiceType,
			Domain:  "local",
			Timeout: 3,
			Entries: entries,
		})
		close(entries)
	}
}

// Servers returns the channel of servers discovered by Browse.
func (m *Manager) Servers() <-chan *ServerInfo {
	return m.servers
}

// Stop halts advertisement or browsing.
func (m *Manager) Stop() {
	m.cancel()
}

func localIPv4s() ([]net.IP, error) {
	var ips []net.IP
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
				if v4 := ipnet.IP.To4(); v4 != nil {
					ips = append(ips, v4)
				}
			}
		}
	}
	return ips, nil
}
