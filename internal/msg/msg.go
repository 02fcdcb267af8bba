// Package msg defines the SSH transport and connection protocol
// messages (spec.md §5-6) and their wire encoding, shared by the key
// exchange, transport, channel, and connection layers.
package msg

import (
	"fmt"

	"github.com/postalsys/sshmux/internal/wire"
)

// Type is an SSH packet's first payload byte, identifying its message.
type Type byte

// Message type numbers, as assigned by RFC 4253 and RFC 4254.
const (
	TypeDisconnect    Type = 1
	TypeIgnore        Type = 2
	TypeUnimplemented Type = 3
	TypeDebug         Type = 4
	TypeServiceReq    Type = 5
	TypeServiceAccept Type = 6

	TypeKexInit     Type = 20
	TypeNewKeys     Type = 21
	TypeKexECDHInit Type = 30
	TypeKexECDHRepl Type = 31

	TypeGlobalRequest  Type = 80
	TypeRequestSuccess Type = 81
	TypeRequestFailure Type = 82

	TypeChannelOpen      Type = 90
	TypeChannelOpenConf  Type = 91
	TypeChannelOpenFail  Type = 92
	TypeChannelWinAdjust Type = 93
	TypeChannelData      Type = 94
	TypeChannelExtData   Type = 95
	TypeChannelEOF       Type = 96
	TypeChannelClose     Type = 97
	TypeChannelRequest   Type = 98
	TypeChannelSuccess   Type = 99
	TypeChannelFailure   Type = 100
)

var typeNames = map[Type]string{
	TypeDisconnect:    "SSH_MSG_DISCONNECT",
	TypeIgnore:        "SSH_MSG_IGNORE",
	TypeUnimplemented: "SSH_MSG_UNIMPLEMENTED",
	TypeDebug:         "SSH_MSG_DEBUG",
	TypeServiceReq:    "SSH_MSG_SERVICE_REQUEST",
	TypeServiceAccept: "SSH_MSG_SERVICE_ACCEPT",

	TypeKexInit:     "SSH_MSG_KEXINIT",
	TypeNewKeys:     "SSH_MSG_NEWKEYS",
	TypeKexECDHInit: "SSH_MSG_KEX_ECDH_INIT",
	TypeKexECDHRepl: "SSH_MSG_KEX_ECDH_REPLY",

	TypeGlobalRequest:  "SSH_MSG_GLOBAL_REQUEST",
	TypeRequestSuccess: "SSH_MSG_REQUEST_SUCCESS",
	TypeRequestFailure: "SSH_MSG_REQUEST_FAILURE",

	TypeChannelOpen:      "SSH_MSG_CHANNEL_OPEN",
	TypeChannelOpenConf:  "SSH_MSG_CHANNEL_OPEN_CONFIRMATION",
	TypeChannelOpenFail:  "SSH_MSG_CHANNEL_OPEN_FAILURE",
	TypeChannelWinAdjust: "SSH_MSG_CHANNEL_WINDOW_ADJUST",
	TypeChannelData:      "SSH_MSG_CHANNEL_DATA",
	TypeChannelExtData:   "SSH_MSG_CHANNEL_EXTENDED_DATA",
	TypeChannelEOF:       "SSH_MSG_CHANNEL_EOF",
	TypeChannelClose:     "SSH_MSG_CHANNEL_CLOSE",
	TypeChannelRequest:   "SSH_MSG_CHANNEL_REQUEST",
	TypeChannelSuccess:   "SSH_MSG_CHANNEL_SUCCESS",
	TypeChannelFailure:   "SSH_MSG_CHANNEL_FAILURE",
}

// Name returns the RFC mnemonic for t, or a numeric fallback for
// message types this engine does not recognize.
func (t Type) Name() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("SSH_MSG_UNKNOWN(%d)", byte(t))
}

// Disconnect reason codes (RFC 4253 §11.1). The engine itself sends only
// DisconnectProtocolError and DisconnectByApplication.
const (
	DisconnectProtocolError        uint32 = 2
	DisconnectKeyExchangeFailed    uint32 = 3
	DisconnectMACError             uint32 = 6
	DisconnectCompressionError     uint32 = 7
	DisconnectByApplication        uint32 = 11
	DisconnectProtocolVersionError uint32 = 10
)

// Channel open failure reason codes (RFC 4254 §5.1).
const (
	OpenAdministrativelyProhibited uint32 = 1
	OpenConnectFailed              uint32 = 2
	OpenUnknownChannelType         uint32 = 3
	OpenResourceShortage           uint32 = 4
)

// Message is implemented by every decoded protocol message. Type
// identifies the wire byte; Marshal re-encodes the payload including
// that leading type byte.
type Message interface {
	Type() Type
	Marshal() []byte
}

func encodeHeader(w *wire.Writer, t Type) {
	w.PutU8(byte(t))
}

// Decode dispatches on the payload's leading type byte and parses the
// corresponding message. Unrecognized types return an error; callers
// that must tolerate them (per RFC 4253 §11.4) should reply with
// Unimplemented rather than treating the connection as broken.
func Decode(payload []byte) (Message, error) {
	r := wire.NewReader(payload)
	tb, err := r.U8()
	if err != nil {
		return nil, fmt.Errorf("msg: empty payload")
	}
	t := Type(tb)
	switch t {
	case TypeDisconnect:
		return decodeDisconnect(r)
	case TypeIgnore:
		return decodeIgnore(r)
	case TypeUnimplemented:
		return decodeUnimplemented(r)
	case TypeDebug:
		return decodeDebug(r)
	case TypeServiceReq:
		return decodeServiceRequest(r)
	case TypeServiceAccept:
		return decodeServiceAccept(r)
	case TypeKexInit:
		return decodeKexInit(r)
	case TypeNewKeys:
		return decodeNewKeys(r)
	case TypeKexECDHInit:
		return decodeKexECDHInit(r)
	case TypeKexECDHRepl:
		return decodeKexECDHReply(r)
	case TypeGlobalRequest:
		return decodeGlobalRequest(r)
	case TypeRequestSuccess:
		return decodeRequestSuccess(r)
	case TypeRequestFailure:
		return decodeRequestFailure(r)
	case TypeChannelOpen:
		return decodeChannelOpen(r)
	case TypeChannelOpenConf:
		return decodeChannelOpenConfirmation(r)
	case TypeChannelOpenFail:
		return decodeChannelOpenFailure(r)
	case TypeChannelWinAdjust:
		return decodeChannelWindowAdjust(r)
	case TypeChannelData:
		return decodeChannelData(r)
	case TypeChannelExtData:
		return decodeChannelExtendedData(r)
	case TypeChannelEOF:
		return decodeChannelEOF(r)
	case TypeChannelClose:
		return decodeChannelClose(r)
	case TypeChannelRequest:
		return decodeChannelRequest(r)
	case TypeChannelSuccess:
		return decodeChannelSuccess(r)
	case TypeChannelFailure:
		return decodeChannelFailure(r)
	default:
		return nil, fmt.Errorf("msg: unrecognized message type %d", tb)
	}
}

// --- Transport layer (RFC 4253) ---

type Disconnect struct {
	ReasonCode  uint32
	Description string
	Language    string
}

func (Disconnect) Type() Type { return TypeDisconnect }
func (m Disconnect) Marshal() []byte {
	w := wire.NewWriter(0)
	encodeHeader(w, TypeDisconnect)
	w.PutU32(m.ReasonCode).PutString(m.Description).PutString(m.Language)
	return w.Bytes()
}
func decodeDisconnect(r *wire.Reader) (Message, error) {
	code, err := r.U32()
	if err != nil {
		return nil, err
	}
	desc, err := r.String()
	if err != nil {
		return nil, err
	}
	lang, _ := r.String()
	return Disconnect{ReasonCode: code, Description: desc, Language: lang}, nil
}

type Ignore struct{ Data []byte }

func (Ignore) Type() Type { return TypeIgnore }
func (m Ignore) Marshal() []byte {
	w := wire.NewWriter(0)
	encodeHeader(w, TypeIgnore)
	w.PutBytes(m.Data)
	return w.Bytes()
}
func decodeIgnore(r *wire.Reader) (Message, error) {
	data, err := r.Bytes()
	if err != nil {
		return nil, err
	}
	return Ignore{Data: data}, nil
}

type Unimplemented struct{ SeqNum uint32 }

func (Unimplemented) Type() Type { return TypeUnimplemented }
func (m Unimplemented) Marshal() []byte {
	w := wire.NewWriter(0)
	encodeHeader(w, TypeUnimplemented)
	w.PutU32(m.SeqNum)
	return w.Bytes()
}
func decodeUnimplemented(r *wire.Reader) (Message, error) {
	seq, err := r.U32()
	if err != nil {
		return nil, err
	}
	return Unimplemented{SeqNum: seq}, nil
}

type Debug struct {
	AlwaysDisplay bool
	Message       string
	Language      string
}

func (Debug) Type() Type { return TypeDebug }
func (m Debug) Marshal() []byte {
	w := wire.NewWriter(0)
	encodeHeader(w, TypeDebug)
	w.PutBool(m.AlwaysDisplay).PutString(m.Message).PutString(m.Language)
	return w.Bytes()
}
func decodeDebug(r *wire.Reader) (Message, error) {
	always, err := r.Bool()
	if err != nil {
		return nil, err
	}
	text, err := r.String()
	if err != nil {
		return nil, err
	}
	lang, _ := r.String()
	return Debug{AlwaysDisplay: always, Message: text, Language: lang}, nil
}

type ServiceRequest struct{ Name string }

func (ServiceRequest) Type() Type { return TypeServiceReq }
func (m ServiceRequest) Marshal() []byte {
	w := wire.NewWriter(0)
	encodeHeader(w, TypeServiceReq)
	w.PutString(m.Name)
	return w.Bytes()
}
func decodeServiceRequest(r *wire.Reader) (Message, error) {
	name, err := r.String()
	if err != nil {
		return nil, err
	}
	return ServiceRequest{Name: name}, nil
}

type ServiceAccept struct{ Name string }

func (ServiceAccept) Type() Type { return TypeServiceAccept }
func (m ServiceAccept) Marshal() []byte {
	w := wire.NewWriter(0)
	encodeHeader(w, TypeServiceAccept)
	w.PutString(m.Name)
	return w.Bytes()
}
func decodeServiceAccept(r *wire.Reader) (Message, error) {
	name, err := r.String()
	if err != nil {
		return nil, err
	}
	return ServiceAccept{Name: name}, nil
}

// KexAlgorithms is the ten name-list fields carried by a KexInit message
// (RFC 4253 §7.1), one per negotiated algorithm category.
type KexAlgorithms struct {
	Kex                     []string
	ServerHostKey           []string
	EncryptionClientServer  []string
	EncryptionServerClient  []string
	MACClientServer         []string
	MACServerClient         []string
	CompressionClientServer []string
	CompressionServerClient []string
	LanguagesClientServer   []string
	LanguagesServerClient   []string
}

type KexInit struct {
	Cookie                [16]byte
	Algorithms            KexAlgorithms
	FirstKexPacketFollows bool
	Reserved              uint32
}

func (KexInit) Type() Type { return TypeKexInit }
func (m KexInit) Marshal() []byte {
	w := wire.NewWriter(0)
	encodeHeader(w, TypeKexInit)
	w.PutRaw(m.Cookie[:])
	a := m.Algorithms
	w.PutNameList(a.Kex).
		PutNameList(a.ServerHostKey).
		PutNameList(a.EncryptionClientServer).
		PutNameList(a.EncryptionServerClient).
		PutNameList(a.MACClientServer).
		PutNameList(a.MACServerClient).
		PutNameList(a.CompressionClientServer).
		PutNameList(a.CompressionServerClient).
		PutNameList(a.LanguagesClientServer).
		PutNameList(a.LanguagesServerClient)
	w.PutBool(m.FirstKexPacketFollows).PutU32(m.Reserved)
	return w.Bytes()
}
func decodeKexInit(r *wire.Reader) (Message, error) {
	var cookie [16]byte
	raw, err := r.Raw(16)
	if err != nil {
		return nil, fmt.Errorf("msg: kexinit cookie: %w", err)
	}
	copy(cookie[:], raw)

	lists := make([][]string, 10)
	for i := range lists {
		l, err := r.NameList()
		if err != nil {
			return nil, fmt.Errorf("msg: kexinit name list %d: %w", i, err)
		}
		lists[i] = l
	}
	follows, err := r.Bool()
	if err != nil {
		return nil, err
	}
	reserved, err := r.U32()
	if err != nil {
		return nil, err
	}
	return KexInit{
		Cookie: cookie,
		Algorithms: KexAlgorithms{
			Kex: lists[0], ServerHostKey: lists[1],
			EncryptionClientServer: lists[2], EncryptionServerClient: lists[3],
			MACClientServer: lists[4], MACServerClient: lists[5],
			CompressionClientServer: lists[6], CompressionServerClient: lists[7],
			LanguagesClientServer: lists[8], LanguagesServerClient: lists[9],
		},
		FirstKexPacketFollows: follows,
		Reserved:              reserved,
	}, nil
}

type NewKeys struct{}

func (NewKeys) Type() Type { return TypeNewKeys }
func (m NewKeys) Marshal() []byte {
	w := wire.NewWriter(0)
	encodeHeader(w, TypeNewKeys)
	return w.Bytes()
}
func decodeNewKeys(r *wire.Reader) (Message, error) { return NewKeys{}, nil }

type KexECDHInit struct{ ClientPublicKey []byte }

func (KexECDHInit) Type() Type { return TypeKexECDHInit }
func (m KexECDHInit) Marshal() []byte {
	w := wire.NewWriter(0)
	encodeHeader(w, TypeKexECDHInit)
	w.PutBytes(m.ClientPublicKey)
	return w.Bytes()
}
func decodeKexECDHInit(r *wire.Reader) (Message, error) {
	pub, err := r.Bytes()
	if err != nil {
		return nil, err
	}
	return KexECDHInit{ClientPublicKey: pub}, nil
}

type KexECDHReply struct {
	HostKey         []byte
	ServerPublicKey []byte
	Signature       []byte
}

func (KexECDHReply) Type() Type { return TypeKexECDHRepl }
func (m KexECDHReply) Marshal() []byte {
	w := wire.NewWriter(0)
	encodeHeader(w, TypeKexECDHRepl)
	w.PutBytes(m.HostKey).PutBytes(m.ServerPublicKey).PutBytes(m.Signature)
	return w.Bytes()
}
func decodeKexECDHReply(r *wire.Reader) (Message, error) {
	hostKey, err := r.Bytes()
	if err != nil {
		return nil, err
	}
	serverPub, err := r.Bytes()
	if err != nil {
		return nil, err
	}
	sig, err := r.Bytes()
	if err != nil {
		return nil, err
	}
	return KexECDHReply{HostKey: hostKey, ServerPublicKey: serverPub, Signature: sig}, nil
}

// --- Connection protocol (RFC 4254) ---

type GlobalRequest struct {
	Name      string
	WantReply bool
	Data      []byte
}

func (GlobalRequest) Type() Type { return TypeGlobalRequest }
func (m GlobalRequest) Marshal() []byte {
	w := wire.NewWriter(0)
	encodeHeader(w, TypeGlobalRequest)
	w.PutString(m.Name).PutBool(m.WantReply).PutRaw(m.Data)
	return w.Bytes()
}
func decodeGlobalRequest(r *wire.Reader) (Message, error) {
	name, err := r.String()
	if err != nil {
		return nil, err
	}
	wantReply, err := r.Bool()
	if err != nil {
		return nil, err
	}
	data, err := r.Raw(r.Remaining())
	if err != nil {
		return nil, err
	}
	return GlobalRequest{Name: name, WantReply: wantReply, Data: data}, nil
}

type RequestSuccess struct{ Data []byte }

func (RequestSuccess) Type() Type { return TypeRequestSuccess }
func (m RequestSuccess) Marshal() []byte {
	w := wire.NewWriter(0)
	encodeHeader(w, TypeRequestSuccess)
	w.PutRaw(m.Data)
	return w.Bytes()
}
func decodeRequestSuccess(r *wire.Reader) (Message, error) {
	data, err := r.Raw(r.Remaining())
	if err != nil {
		return nil, err
	}
	return RequestSuccess{Data: data}, nil
}

type RequestFailure struct{}

func (RequestFailure) Type() Type        { return TypeRequestFailure }
func (m RequestFailure) Marshal() []byte {
	w := wire.NewWriter(0)
	encodeHeader(w, TypeRequestFailure)
	return w.Bytes()
}
func decodeRequestFailure(r *wire.Reader) (Message, error) { return RequestFailure{}, nil }

type ChannelOpen struct {
	ChannelType       string
	SenderChannel     uint32
	InitialWindowSize uint32
	MaxPacketSize     uint32
	Data              []byte
}

func (ChannelOpen) Type() Type { return TypeChannelOpen }
func (m ChannelOpen) Marshal() []byte {
	w := wire.NewWriter(0)
	encodeHeader(w, TypeChannelOpen)
	w.PutString(m.ChannelType).PutU32(m.SenderChannel).PutU32(m.InitialWindowSize).PutU32(m.MaxPacketSize).PutRaw(m.Data)
	return w.Bytes()
}
func decodeChannelOpen(r *wire.Reader) (Message, error) {
	ctype, err := r.String()
	if err != nil {
		return nil, err
	}
	sender, err := r.U32()
	if err != nil {
		return nil, err
	}
	win, err := r.U32()
	if err != nil {
		return nil, err
	}
	maxPkt, err := r.U32()
	if err != nil {
		return nil, err
	}
	data, err := r.Raw(r.Remaining())
	if err != nil {
		return nil, err
	}
	return ChannelOpen{ChannelType: ctype, SenderChannel: sender, InitialWindowSize: win, MaxPacketSize: maxPkt, Data: data}, nil
}

type ChannelOpenConfirmation struct {
	RecipientChannel  uint32
	SenderChannel     uint32
	InitialWindowSize uint32
	MaxPacketSize     uint32
	Data              []byte
}

func (ChannelOpenConfirmation) Type() Type { return TypeChannelOpenConf }
func (m ChannelOpenConfirmation) Marshal() []byte {
	w := wire.NewWriter(0)
	encodeHeader(w, TypeChannelOpenConf)
	w.PutU32(m.RecipientChannel).PutU32(m.SenderChannel).PutU32(m.InitialWindowSize).PutU32(m.MaxPacketSize).PutRaw(m.Data)
	return w.Bytes()
}
func decodeChannelOpenConfirmation(r *wire.Reader) (Message, error) {
	recip, err := r.U32()
	if err != nil {
		return nil, err
	}
	sender, err := r.U32()
	if err != nil {
		return nil, err
	}
	win, err := r.U32()
	if err != nil {
		return nil, err
	}
	maxPkt, err := r.U32()
	if err != nil {
		return nil, err
	}
	data, err := r.Raw(r.Remaining())
	if err != nil {
		return nil, err
	}
	return ChannelOpenConfirmation{RecipientChannel: recip, SenderChannel: sender, InitialWindowSize: win, MaxPacketSize: maxPkt, Data: data}, nil
}

type ChannelOpenFailure struct {
	RecipientChannel uint32
	ReasonCode       uint32
	Description      string
	Language         string
}

func (ChannelOpenFailure) Type() Type { return TypeChannelOpenFail }
func (m ChannelOpenFailure) Marshal() []byte {
	w := wire.NewWriter(0)
	encodeHeader(w, TypeChannelOpenFail)
	w.PutU32(m.RecipientChannel).PutU32(m.ReasonCode).PutString(m.Description).PutString(m.Language)
	return w.Bytes()
}
func decodeChannelOpenFailure(r *wire.Reader) (Message, error) {
	recip, err := r.U32()
	if err != nil {
		return nil, err
	}
	reason, err := r.U32()
	if err != nil {
		return nil, err
	}
	desc, err := r.String()
	if err != nil {
		return nil, err
	}
	lang, _ := r.String()
	return ChannelOpenFailure{RecipientChannel: recip, ReasonCode: reason, Description: desc, Language: lang}, nil
}

type ChannelWindowAdjust struct {
	RecipientChannel uint32
	BytesToAdd       uint32
}

func (ChannelWindowAdjust) Type() Type { return TypeChannelWinAdjust }
func (m ChannelWindowAdjust) Marshal() []byte {
	w := wire.NewWriter(0)
	encodeHeader(w, TypeChannelWinAdjust)
	w.PutU32(m.RecipientChannel).PutU32(m.BytesToAdd)
	return w.Bytes()
}
func decodeChannelWindowAdjust(r *wire.Reader) (Message, error) {
	recip, err := r.U32()
	if err != nil {
		return nil, err
	}
	add, err := r.U32()
	if err != nil {
		return nil, err
	}
	return ChannelWindowAdjust{RecipientChannel: recip, BytesToAdd: add}, nil
}

type ChannelData struct {
	RecipientChannel uint32
	Data             []byte
}

func (ChannelData) Type() Type { return TypeChannelData }
func (m ChannelData) Marshal() []byte {
	w := wire.NewWriter(0)
	encodeHeader(w, TypeChannelData)
	w.PutU32(m.RecipientChannel).PutBytes(m.Data)
	return w.Bytes()
}
func decodeChannelData(r *wire.Reader) (Message, error) {
	recip, err := r.U32()
	if err != nil {
		return nil, err
	}
	data, err := r.Bytes()
	if err != nil {
		return nil, err
	}
	return ChannelData{RecipientChannel: recip, Data: data}, nil
}

// Extended data type codes (RFC 4254 §5.2).
const ExtendedDataStderr uint32 = 1

type ChannelExtendedData struct {
	RecipientChannel uint32
	DataTypeCode     uint32
	Data             []byte
}

func (ChannelExtendedData) Type() Type { return TypeChannelExtData }
func (m ChannelExtendedData) Marshal() []byte {
	w := wire.NewWriter(0)
	encodeHeader(w, TypeChannelExtData)
	w.PutU32(m.RecipientChannel).PutU32(m.DataTypeCode).PutBytes(m.Data)
	return w.Bytes()
}
func decodeChannelExtendedData(r *wire.Reader) (Message, error) {
	recip, err := r.U32()
	if err != nil {
		return nil, err
	}
	code, err := r.U32()
	if err != nil {
		return nil, err
	}
	data, err := r.Bytes()
	if err != nil {
		return nil, err
	}
	return ChannelExtendedData{RecipientChannel: recip, DataTypeCode: code, Data: data}, nil
}

type ChannelEOF struct{ RecipientChannel uint32 }

func (ChannelEOF) Type() Type { return TypeChannelEOF }
func (m ChannelEOF) Marshal() []byte {
	w := wire.NewWriter(0)
	encodeHeader(w, TypeChannelEOF)
	w.PutU32(m.RecipientChannel)
	return w.Bytes()
}
func decodeChannelEOF(r *wire.Reader) (Message, error) {
	recip, err := r.U32()
	if err != nil {
		return nil, err
	}
	return ChannelEOF{RecipientChannel: recip}, nil
}

type ChannelClose struct{ RecipientChannel uint32 }

func (ChannelClose) Type() Type { return TypeChannelClose }
func (m ChannelClose) Marshal() []byte {
	w := wire.NewWriter(0)
	encodeHeader(w, TypeChannelClose)
	w.PutU32(m.RecipientChannel)
	return w.Bytes()
}
func decodeChannelClose(r *wire.Reader) (Message, error) {
	recip, err := r.U32()
	if err != nil {
		return nil, err
	}
	return ChannelClose{RecipientChannel: recip}, nil
}

type ChannelRequest struct {
	RecipientChannel uint32
	RequestType      string
	WantReply        bool
	Data             []byte
}

func (ChannelRequest) Type() Type { return TypeChannelRequest }
func (m ChannelRequest) Marshal() []byte {
	w := wire.NewWriter(0)
	encodeHeader(w, TypeChannelRequest)
	w.PutU32(m.RecipientChannel).PutString(m.RequestType).PutBool(m.WantReply).PutRaw(m.Data)
	return w.Bytes()
}
func decodeChannelRequest(r *wire.Reader) (Message, error) {
	recip, err := r.U32()
	if err != nil {
		return nil, err
	}
	rtype, err := r.String()
	if err != nil {
		return nil, err
	}
	wantReply, err := r.Bool()
	if err != nil {
		return nil, err
	}
	data, err := r.Raw(r.Remaining())
	if err != nil {
		return nil, err
	}
	return ChannelRequest{RecipientChannel: recip, RequestType: rtype, WantReply: wantReply, Data: data}, nil
}

type ChannelSuccess struct{ RecipientChannel uint32 }

func (ChannelSuccess) Type() Type { return TypeChannelSuccess }
func (m ChannelSuccess) Marshal() []byte {
	w := wire.NewWriter(0)
	encodeHeader(w, TypeChannelSuccess)
	w.PutU32(m.RecipientChannel)
	return w.Bytes()
}
func decodeChannelSuccess(r *wire.Reader) (Message, error) {
	recip, err := r.U32()
	if err != nil {
		return nil, err
	}
	return ChannelSuccess{RecipientChannel: recip}, nil
}

type ChannelFailure struct{ RecipientChannel uint32 }

func (ChannelFailure) Type() Type { return TypeChannelFailure }
func (m ChannelFailure) Marshal() []byte {
	w := wire.NewWriter(0)
	encodeHeader(w, TypeChannelFailure)
	w.PutU32(m.RecipientChannel)
	return w.Bytes()
}
func decodeChannelFailure(r *wire.Reader) (Message, error) {
	recip, err := r.U32()
	if err != nil {
		return nil, err
	}
	return ChannelFailure{RecipientChannel: recip}, nil
}
