package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"unicode"

	"github.com/grandcat/zeroconf"

	"coldroom/monitor-server/internal/config"
	"coldroom/monitor-server/internal/mqttbroker"
)

const (
	mdnsServiceType  = "_coldroom._tcp"
	mdnsDomain       = "local."
	mdnsMaxLabel     = 63
	mdnsInstanceName = "Cold Room Monitor"
	mdnsFallbackHost = "coldroom"
)

// advert is what the server announces to sensor gateways on the LAN: where to publish readings,
// where to POST them instead, and the temperature band the dashboard alerts on.
type advert struct {
	instance string
	host     string
	port     int
	txt      []string
}

func newAdvert(hostname string, mqttPort int, cfg config.Config) advert {
	host := dnsHostLabel(hostname)
	instance := mdnsInstanceName
	if h := strings.TrimSpace(hostname); h != "" {
		instance = fmt.Sprintf("%s (%s)", mdnsInstanceName, h)
	}
	return advert{
		instance: instanceLabel(instance),
		host:     host,
		port:     mqttPort,
		txt: []string{
			"mqtt_port=" + strconv.Itoa(mqttPort),
			"http_port=" + strconv.Itoa(cfg.HTTPPort),
			"topic=" + mqttbroker.ReadingsTopic("{esp32_mac}"),
			"ingest_path=/api/data",
			"temp_min=" + strconv.FormatFloat(cfg.TempMin, 'f', -1, 64),
			"temp_max=" + strconv.FormatFloat(cfg.TempMax, 'f', -1, 64),
			"host=" + host + ".local",
		},
	}
}

// startMDNS advertises the MQTT ingestion port so gateways can find the server without a
// configured address.
func (a *App) startMDNS(port int) error {
	if port <= 0 {
		return fmt.Errorf("invalid port %d", port)
	}
	a.stopMDNS()

	hostname, err := os.Hostname()
	if err != nil {
		hostname = ""
	}
	ad := newAdvert(hostname, port, a.cfg)

	server, err := zeroconf.Register(ad.instance, mdnsServiceType, mdnsDomain, ad.port, ad.txt, nil)
	if err != nil {
		return fmt.Errorf("register %s: %w", mdnsServiceType, err)
	}
	a.mdns = server
	a.logger.Info("mDNS advertisement started", "instance", ad.instance, "service", mdnsServiceType, "port", ad.port)
	return nil
}

func (a *App) stopMDNS() {
	if a.mdns == nil {
		return
	}
	a.mdns.Shutdown()
	a.mdns = nil
	a.logger.Info("mDNS advertisement stopped")
}

// instanceLabel keeps the name human readable but drops the characters DNS-SD treats as
// separators, collapsing runs of whitespace.
func instanceLabel(name string) string {
	cleaned := strings.Map(func(r rune) rune {
		if r == '.' || r == '_' || unicode.IsControl(r) {
			return ' '
		}
		return r
	}, name)
	cleaned = strings.Join(strings.Fields(cleaned), " ")
	if cleaned == "" {
		cleaned = mdnsInstanceName
	}
	return truncateRunes(cleaned, mdnsMaxLabel)
}

// dnsHostLabel reduces a hostname to a single lower-case LDH label: letters, digits and inner
// hyphens only. Only the first DNS label of a qualified hostname is used.
func dnsHostLabel(hostname string) string {
	first, _, _ := strings.Cut(strings.TrimSpace(hostname), ".")
	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(first) {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			b.WriteRune(r)
			lastHyphen = false
		case !lastHyphen:
			b.WriteByte('-')
			lastHyphen = true
		}
	}
	label := strings.TrimRight(truncateRunes(b.String(), mdnsMaxLabel), "-")
	if label == "" {
		return mdnsFallbackHost
	}
	return label
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) > max {
		return string(runes[:max])
	}
	return s
}
