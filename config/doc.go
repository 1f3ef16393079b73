/*
Package config holds the configuration file definitions.

The configuration file, mailet.conf, is read once at startup. Run "mailet
config describe" for an annotated empty configuration file, and "mailet config
test" to check a configuration file.

The config file is in "sconf" format. Properties of sconf files:

  - Indentation with tabs only.
  - "#" as first non-whitespace character makes the line a comment. Lines with a
    value cannot also have a comment.
  - Values don't have syntax indicating their type. For example, strings are
    not quoted/escaped and can never span multiple lines.
  - Fields that are optional can be left out completely. But the value of an
    optional field may itself have required fields.

See https://pkg.go.dev/github.com/mjl-/sconf for details.

# Example

A small configuration, delivering mail for local users and ghosting the rest:

	DataDir: data
	LogLevel: info
	Processors:
		-
			Name: root
			Stages:
				-
					Matcher: InDNSBL
					Condition: sbl.spamhaus.org
					Mailet: ToProcessor
					Params:
						processor: spam
					OnMatchException: nomatch
				-
					Matcher: All
					Mailet: RecipientRewrite
				-
					Matcher: RecipientIsLocal
					Mailet: LocalDelivery
		-
			Name: spam
			Stages:
				-
					Matcher: All
					Mailet: LogMessage
					Params:
						comment: spam
		-
			Name: error
			Stages:
				-
					Matcher: All
					Mailet: LogMessage
					Params:
						comment: failed
	SMTP:
		Hooks:
			Rcpt:
				- DNSBL
				- Relay
		DNSBLs:
			- sbl.spamhaus.org
*/
package config
