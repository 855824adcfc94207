package pgconn

// Encoding and decoding of the protocol v3 messages this core produces and
// consumes. Framing (tag + 4-byte big-endian length,
// inclusive of the length field) is identical before and after a TLS
// upgrade — TLS is transparent to the codec.

import "sort"

// --- encode ----------------------------------------------------------------

func encodeSSLRequest() []byte {
	w := newWriteBuf(0)
	w.int32(sslRequestCode)
	return w.wrap()
}

// encodeStartupMessage builds the StartupMessage body: version, then
// key\0value\0 pairs for user, database, application_name (if set), and
// every RuntimeParams entry, terminated by a final \0.
func encodeStartupMessage(o ConnectionOptions) []byte {
	w := newWriteBuf(0)
	w.int32(protocolVersion)
	w.string("user")
	w.string(o.User)
	w.string("database")
	w.string(o.database())
	if o.ApplicationName != "" {
		w.string("application_name")
		w.string(o.ApplicationName)
	}

	keys := make([]string, 0, len(o.RuntimeParams))
	for k := range o.RuntimeParams {
		keys = append(keys, k)
	}
	sort.Strings(keys) // deterministic wire output, eases testing
	for _, k := range keys {
		w.string(k)
		w.string(o.RuntimeParams[k])
	}
	w.string("")
	return w.wrap()
}

func encodePasswordMessage(password string) []byte {
	w := newWriteBuf(msgPasswordMessagep)
	w.string(password)
	return w.wrap()
}

func encodeMD5PasswordMessage(user, password, salt string) []byte {
	return encodePasswordMessage("md5" + md5Hex(md5Hex(password+user)+salt))
}

func encodeSASLInitialResponse(mechanism, clientFirstMessage string) []byte {
	w := newWriteBuf(msgSASLInitialResponsep)
	w.string(mechanism)
	w.int32(int32(len(clientFirstMessage)))
	w.bytes([]byte(clientFirstMessage))
	return w.wrap()
}

func encodeSASLResponse(clientFinalMessage string) []byte {
	w := newWriteBuf(msgSASLResponsep)
	w.bytes([]byte(clientFinalMessage))
	return w.wrap()
}

func encodeTerminate() []byte {
	return newWriteBuf(msgTerminateX).wrap()
}

// --- decode ------------------------------------------------------------

// decodedAuth is the parsed body of an AuthenticationRequest.
type decodedAuth struct {
	subtype int32
	data    []byte // SASL mechanism list / server-first / server-final payload, if any
}

func decodeAuthentication(payload readBuf) (decodedAuth, error) {
	if len(payload) < 4 {
		return decodedAuth{}, errProtocolViolation("short AuthenticationRequest")
	}
	subtype := payload.int32()
	return decodedAuth{subtype: subtype, data: payload.rest()}, nil
}

func decodeParameterStatus(payload readBuf) (key, value string, err error) {
	key, err = payload.string()
	if err != nil {
		return "", "", err
	}
	value, err = payload.string()
	return key, value, err
}

func decodeBackendKeyData(payload readBuf) (pid, secretKey uint32, err error) {
	if len(payload) < 8 {
		return 0, 0, errProtocolViolation("short BackendKeyData")
	}
	return payload.uint32(), payload.uint32(), nil
}

func decodeReadyForQuery(payload readBuf) (TransactionStatus, error) {
	if len(payload) < 1 {
		return 0, errProtocolViolation("short ReadyForQuery")
	}
	return TransactionStatus(payload.byte()), nil
}
