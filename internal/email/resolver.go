package email

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/mixelka/mailtriage/pkg/models"
)

const probeTimeout = 3 * time.Second

// Endpoints are the servers an account talks to
type Endpoints struct {
	IMAPServer   string
	IMAPSecurity models.Security
	SMTPServer   string
	SMTPSecurity models.Security
}

// Common servers for popular email providers
var knownProviders = map[string][2]string{
	"gmail.com":      {"imap.gmail.com:993", "smtp.gmail.com:465"},
	"googlemail.com": {"imap.gmail.com:993", "smtp.gmail.com:465"},
	"outlook.com":    {"outlook.office365.com:993", "smtp.office365.com:587"},
	"hotmail.com":    {"outlook.office365.com:993", "smtp.office365.com:587"},
	"live.com":       {"outlook.office365.com:993", "smtp.office365.com:587"},
	"msn.com":        {"outlook.office365.com:993", "smtp.office365.com:587"},
	"yahoo.com":      {"imap.mail.yahoo.com:993", "smtp.mail.yahoo.com:465"},
	"yahoo.co.uk":    {"imap.mail.yahoo.com:993", "smtp.mail.yahoo.com:465"},
	"yandex.ru":      {"imap.yandex.ru:993", "smtp.yandex.ru:465"},
	"yandex.com":     {"imap.yandex.com:993", "smtp.yandex.com:465"},
	"mail.ru":        {"imap.mail.ru:993", "smtp.mail.ru:465"},
	"bk.ru":          {"imap.mail.ru:993", "smtp.mail.ru:465"},
	"list.ru":        {"imap.mail.ru:993", "smtp.mail.ru:465"},
	"inbox.ru":       {"imap.mail.ru:993", "smtp.mail.ru:465"},
	"icloud.com":     {"imap.mail.me.com:993", "smtp.mail.me.com:587"},
	"me.com":         {"imap.mail.me.com:993", "smtp.mail.me.com:587"},
	"mac.com":        {"imap.mail.me.com:993", "smtp.mail.me.com:587"},
	"aol.com":        {"imap.aol.com:993", "smtp.aol.com:465"},
	"zoho.com":       {"imap.zoho.com:993", "smtp.zoho.com:465"},
	"protonmail.com": {"127.0.0.1:1143", "127.0.0.1:1025"}, // ProtonMail Bridge
	"proton.me":      {"127.0.0.1:1143", "127.0.0.1:1025"},
	"fastmail.com":   {"imap.fastmail.com:993", "smtp.fastmail.com:465"},
	"gmx.com":        {"imap.gmx.com:993", "mail.gmx.com:587"},
	"gmx.de":         {"imap.gmx.net:993", "mail.gmx.net:587"},
	"web.de":         {"imap.web.de:993", "smtp.web.de:587"},
	"t-online.de":    {"secureimap.t-online.de:993", "securesmtp.t-online.de:465"},
	"rambler.ru":     {"imap.rambler.ru:993", "smtp.rambler.ru:465"},
}

// ResolveServers determines the IMAP and SMTP servers for an email address
func ResolveServers(ctx context.Context, email string) (Endpoints, error) {
	domain := GetDomainFromEmail(email)
	if domain == "" {
		return Endpoints{}, fmt.Errorf("invalid email format")
	}

	if p, ok := knownProviders[domain]; ok {
		return endpoints(p[0], p[1]), nil
	}

	imapServer := probe(ctx, []string{"imap." + domain, "mail." + domain, domain}, "993", "143")
	if imapServer == "" {
		imapServer = resolveViaMX(ctx, domain, "993")
	}
	if imapServer == "" {
		imapServer = "imap." + domain + ":993"
	}

	smtpServer := probe(ctx, []string{"smtp." + domain, "mail." + domain, domain}, "465", "587")
	if smtpServer == "" {
		smtpServer = "smtp." + domain + ":587"
	}

	return endpoints(imapServer, smtpServer), nil
}

func endpoints(imapServer, smtpServer string) Endpoints {
	return Endpoints{
		IMAPServer:   imapServer,
		IMAPSecurity: SecurityForAddr(imapServer),
		SMTPServer:   smtpServer,
		SMTPSecurity: SecurityForAddr(smtpServer),
	}
}

// SecurityForAddr guesses the transport security from the port
func SecurityForAddr(addr string) models.Security {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return models.SecurityTLS
	}
	switch port {
	case "143", "587", "25", "1143", "1025":
		return models.SecurityStartTLS
	default:
		return models.SecurityTLS
	}
}

// probe returns the first host:port that accepts a TCP connection
func probe(ctx context.Context, hosts []string, ports ...string) string {
	for _, port := range ports {
		for _, host := range hosts {
			addr := net.JoinHostPort(host, port)
			if reachable(ctx, addr) {
				return addr
			}
		}
	}
	return ""
}

// reachable checks if a server accepts connections
func reachable(ctx context.Context, addr string) bool {
	dialer := &net.Dialer{Timeout: probeTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// resolveViaMX tries to derive the server from the primary MX record,
// e.g. mx.example.com -> imap.example.com
func resolveViaMX(ctx context.Context, domain, port string) string {
	mxRecords, err := net.DefaultResolver.LookupMX(ctx, domain)
	if err != nil || len(mxRecords) == 0 {
		return ""
	}

	mxHost := strings.TrimSuffix(mxRecords[0].Host, ".")
	parts := strings.SplitN(mxHost, ".", 2)
	if len(parts) != 2 {
		return ""
	}
	return probe(ctx, []string{"imap." + parts[1], "mail." + parts[1]}, port)
}

// GetDomainFromEmail extracts domain from email address
func GetDomainFromEmail(email string) string {
	parts := strings.Split(email, "@")
	if len(parts) != 2 || parts[1] == "" {
		return ""
	}
	return strings.ToLower(parts[1])
}
