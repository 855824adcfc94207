//
// FEBE message type constants, trimmed to the set this connection state
// machine produces or consumes.
//
// All the constants in this file follow the naming convention
// "(msg)(NameInManual)(characterCode)". This results in long and awkward
// constant names, but also makes it easy to determine what the author's
// intent is quickly in code (the same wire byte, e.g. 'S', can mean
// ParameterStatus post-startup and Sync pre-startup depending on protocol
// phase; here it only ever means ParameterStatus) as well as when
// debugging against captured wire protocol traffic.
//
package pgconn

const (
	protocolVersion = 196608   // 3.0, the only version this module speaks
	sslRequestCode  = 80877103 // magic number for SSLRequest

	// Message tags
	msgAuthenticationR    = 'R' // AuthenticationRequest, all subtypes
	msgBackendKeyDataK    = 'K'
	msgErrorResponseE     = 'E'
	msgNoticeResponseN    = 'N'
	msgParameterStatusS   = 'S'
	msgReadyForQueryZ     = 'Z'
	msgNegotiateProtocolV = 'v'

	msgPasswordMessagep     = 'p'
	msgSASLInitialResponsep = 'p' // same wire tag as PasswordMessage
	msgSASLResponsep        = 'p'
	msgTerminateX           = 'X'
)

// AuthenticationRequest subtypes.
const (
	authOk                = 0
	authKerberosV5        = 2
	authCleartextPassword = 3
	authMD5Password       = 5
	authSCMCredential     = 6
	authGSS               = 7
	authSASL              = 10
	authSASLContinue      = 11
	authSASLFinal         = 12
)

// TransactionStatus is the single status byte carried on ReadyForQuery.
type TransactionStatus byte

const (
	TransactionIdle                TransactionStatus = 'I'
	TransactionInTransaction       TransactionStatus = 'T'
	TransactionInFailedTransaction TransactionStatus = 'E'
)

func (s TransactionStatus) String() string {
	switch s {
	case TransactionIdle:
		return "idle"
	case TransactionInTransaction:
		return "in_transaction"
	case TransactionInFailedTransaction:
		return "in_failed_transaction"
	default:
		return "unknown"
	}
}
