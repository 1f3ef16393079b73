/*
Command mailet processes mail received by an MTA through configurable chains of
matchers and mailets.

  - SMTP command hooks decide on connect, helo, mail from, rcpt to and data,
    including DNSBL checks and relay authorization.
  - Accepted mails go through named processors, each an ordered list of
    matcher/mailet stages, starting at processor root.
  - Address mappings rewrite recipients, managed with the admin API or CLI.
  - Local delivery to user mailboxes.

# Commands

	mailet [-config config/mailet.conf] [-loglevel level] ...
	mailet serve [-trace]
	mailet process [flags] recipient ... < message
	mailet import mbox user mbox-file
	mailet import mbox -spool mbox-file
	mailet admin command [arg ...]
	mailet config test
	mailet config describe >mailet.conf
	mailet dnsbl check zone ip
	mailet dnsbl checkhealth zone
	mailet version
	mailet help [command ...]

# mailet serve

Start mailet, processing mails from the spool directory.

Mails in the spool directory, <datadir>/spool, each consist of a message file
<name>.eml and an envelope file <name>.json, as written by "mailet process
-spool" and "mailet import mbox -spool". For each mail, the configured SMTP
hooks run for the transaction described in the envelope. Accepted mails go
through the processors, starting at processor root. Processed mails are removed
from the spool, mails that could not be handled are moved to
<datadir>/spool/failed.

HTTP listeners are started for the admin API, the authentication endpoint and
prometheus metrics, if configured.

	usage: mailet serve [-trace]
	  -trace
	    	write opentelemetry spans for stages, hooks and http requests to stdout

# mailet process

Run a message from stdin through the hooks and processors.

	usage: mailet process [flags] recipient ... < message
	  -auth string
	    	user the smtp session is authenticated as
	  -helo string
	    	name in the smtp ehlo/helo command, default localhost
	  -remotehost string
	    	host name of the remote smtp client
	  -remoteip string
	    	ip of the remote smtp client, default loopback
	  -sender string
	    	envelope sender address, empty for the null reverse path
	  -spool
	    	add message to the spool directory instead of processing it

# mailet admin

Manage users, domains, mailboxes and address mappings.

	usage: mailet admin command [arg ...]

# mailet config test

Parses and validates the configuration file.

	usage: mailet config test

# mailet config describe

Prints an annotated configuration for use as mailet.conf.

	usage: mailet config describe >mailet.conf
*/
package main
