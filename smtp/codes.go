package smtp

import (
	"strconv"
)

// Reply codes used in responses to SMTP commands.
var (
	C220ServiceReady = 220
	C250Completed    = 250

	C421ServiceUnavail = 421
	C451LocalErr       = 451

	C501BadParamSyntax    = 501
	C503BadCmdSeq         = 503
	C550MailboxUnavail    = 550
	C554TransactionFailed = 554
)

// Short enhanced status codes, without the leading class number and first dot.
// See RFC 3463.
var (
	SeOther00 = "0.0"

	SeAddr1MailboxSyntax3 = "1.3"
	SeAddr1SenderSyntax7  = "1.7"

	SeProto5BadCmdOrSeq1 = "5.1"
	SeProto5Syntax2      = "5.2"

	SePol7Other0          = "7.0"
	SePol7DeliveryUnauth1 = "7.1"
	SePol7RelayDenied     = "7.1"
)

// Enhanced returns the full enhanced status code for reply code and short code
// se, e.g. "5.7.1" for 554 and SePol7DeliveryUnauth1. The class is the first
// digit of the reply code, 2xx and 3xx replies are class 2.
func Enhanced(code int, se string) string {
	class := code / 100
	if class < 2 || class > 5 {
		return ""
	} else if class == 3 {
		class = 2
	}
	return strconv.Itoa(class) + "." + se
}
