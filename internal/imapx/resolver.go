package imapx

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// Common IMAP servers for popular email providers
var knownIMAPServers = map[string]string{
	"gmail.com":      "imap.gmail.com:993",
	"googlemail.com": "imap.gmail.com:993",
	"outlook.com":    "outlook.office365.com:993",
	"hotmail.com":    "outlook.office365.com:993",
	"live.com":       "outlook.office365.com:993",
	"msn.com":        "outlook.office365.com:993",
	"yahoo.com":      "imap.mail.yahoo.com:993",
	"icloud.com":     "imap.mail.me.com:993",
	"me.com":         "imap.mail.me.com:993",
	"aol.com":        "imap.aol.com:993",
	"zoho.com":       "imap.zoho.com:993",
	"fastmail.com":   "imap.fastmail.com:993",
	"gmx.com":        "imap.gmx.com:993",
	"gmx.de":         "imap.gmx.net:993",
	"web.de":         "imap.web.de:993",
}

// DefaultDraftsFolders maps provider domains to their drafts mailbox names.
// Anything unlisted uses plain "Drafts".
var defaultDraftsFolders = map[string]string{
	"gmail.com":      "[Gmail]/Drafts",
	"googlemail.com": "[Gmail]/Drafts",
}

// ResolveDraftsFolder returns the provider-appropriate drafts folder for an
// email address.
func ResolveDraftsFolder(email string) string {
	if folder, ok := defaultDraftsFolders[GetDomainFromEmail(email)]; ok {
		return folder
	}
	return "Drafts"
}

var defaultSentFolders = map[string]string{
	"gmail.com":      "[Gmail]/Sent Mail",
	"googlemail.com": "[Gmail]/Sent Mail",
}

// ResolveSentFolder returns the provider-appropriate sent folder for an
// email address.
func ResolveSentFolder(email string) string {
	if folder, ok := defaultSentFolders[GetDomainFromEmail(email)]; ok {
		return folder
	}
	return "Sent"
}

// ResolveIMAPServer determines the IMAP server for an email address
func ResolveIMAPServer(email string) (string, error) {
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid email format")
	}

	domain := strings.ToLower(parts[1])

	// Check known providers first
	if server, ok := knownIMAPServers[domain]; ok {
		return server, nil
	}

	// Try common IMAP server patterns
	for _, host := range []string{"imap." + domain, "mail." + domain, domain} {
		if checkIMAPServer(host, 993) {
			return host + ":993", nil
		}
	}

	// Try to resolve via MX records
	mxServer, err := resolveViaMX(domain)
	if err == nil && mxServer != "" {
		return mxServer, nil
	}

	// Default fallback - try imap.domain:993
	return "imap." + domain + ":993", nil
}

// checkIMAPServer checks if an IMAP server is reachable
func checkIMAPServer(host string, port int) bool {
	address := fmt.Sprintf("%s:%d", host, port)
	conn, err := net.DialTimeout("tcp", address, 3*time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// resolveViaMX tries to determine IMAP server from MX records
func resolveViaMX(domain string) (string, error) {
	mxRecords, err := net.LookupMX(domain)
	if err != nil || len(mxRecords) == 0 {
		return "", fmt.Errorf("no MX records found")
	}

	// Get the primary MX record and try to derive an IMAP host from it,
	// e.g. mx.example.com -> imap.example.com
	mxHost := strings.TrimSuffix(mxRecords[0].Host, ".")
	parts := strings.SplitN(mxHost, ".", 2)
	if len(parts) == 2 {
		baseDomain := parts[1]
		for _, prefix := range []string{"imap.", "mail."} {
			host := prefix + baseDomain
			if checkIMAPServer(host, 993) {
				return host + ":993", nil
			}
		}
	}

	return "", fmt.Errorf("could not determine IMAP server")
}

// GetDomainFromEmail extracts domain from email address
func GetDomainFromEmail(email string) string {
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return ""
	}
	return strings.ToLower(parts[1])
}
