// Wire types for iv2.proto. These are maintained by hand in the legacy struct tag form understood by
// github.com/golang/protobuf; field numbers and tags must stay in step with iv2.proto.

package iv2_pb

import (
	"context"

	"github.com/golang/protobuf/proto"
	"google.golang.org/grpc"
)

// Reference imports to suppress errors if they are not otherwise used.
var _ = proto.Marshal

type MessageKind int32

const (
	MessageKind_UNKNOWN        MessageKind = 0
	MessageKind_FRAGMENT       MessageKind = 1
	MessageKind_REPLICATE      MessageKind = 2
	MessageKind_COMPLETE       MessageKind = 3
	MessageKind_STATE_QUERY    MessageKind = 4
	MessageKind_STATE_RESPONSE MessageKind = 5
	MessageKind_RESTART        MessageKind = 6
	MessageKind_DUMP           MessageKind = 7
)

var MessageKind_name = map[int32]string{
	0: "UNKNOWN",
	1: "FRAGMENT",
	2: "REPLICATE",
	3: "COMPLETE",
	4: "STATE_QUERY",
	5: "STATE_RESPONSE",
	6: "RESTART",
	7: "DUMP",
}

var MessageKind_value = map[string]int32{
	"UNKNOWN":        0,
	"FRAGMENT":       1,
	"REPLICATE":      2,
	"COMPLETE":       3,
	"STATE_QUERY":    4,
	"STATE_RESPONSE": 5,
	"RESTART":        6,
	"DUMP":           7,
}

func (x MessageKind) String() string {
	return proto.EnumName(MessageKind_name, int32(x))
}

type InitiateTask struct {
	TxnId         int64  `protobuf:"varint,1,opt,name=txn_id,json=txnId,proto3" json:"txn_id,omitempty"`
	PartitionId   int32  `protobuf:"varint,2,opt,name=partition_id,json=partitionId,proto3" json:"partition_id,omitempty"`
	ProcName      string `protobuf:"bytes,3,opt,name=proc_name,json=procName,proto3" json:"proc_name,omitempty"`
	Params        []byte `protobuf:"bytes,4,opt,name=params,proto3" json:"params,omitempty"`
	InitiatorHsid int64  `protobuf:"varint,5,opt,name=initiator_hsid,json=initiatorHsid,proto3" json:"initiator_hsid,omitempty"`
	ClientHandle  int64  `protobuf:"varint,6,opt,name=client_handle,json=clientHandle,proto3" json:"client_handle,omitempty"`
	ForRestart    bool   `protobuf:"varint,7,opt,name=for_restart,json=forRestart,proto3" json:"for_restart,omitempty"`
}

func (m *InitiateTask) Reset()         { *m = InitiateTask{} }
func (m *InitiateTask) String() string { return proto.CompactTextString(m) }
func (*InitiateTask) ProtoMessage()    {}

func (m *InitiateTask) GetTxnId() int64 {
	if m != nil {
		return m.TxnId
	}
	return 0
}

func (m *InitiateTask) GetPartitionId() int32 {
	if m != nil {
		return m.PartitionId
	}
	return 0
}

func (m *InitiateTask) GetProcName() string {
	if m != nil {
		return m.ProcName
	}
	return ""
}

func (m *InitiateTask) GetParams() []byte {
	if m != nil {
		return m.Params
	}
	return nil
}

func (m *InitiateTask) GetInitiatorHsid() int64 {
	if m != nil {
		return m.InitiatorHsid
	}
	return 0
}

func (m *InitiateTask) GetClientHandle() int64 {
	if m != nil {
		return m.ClientHandle
	}
	return 0
}

func (m *InitiateTask) GetForRestart() bool {
	if m != nil {
		return m.ForRestart
	}
	return false
}

type RepairLogEntry struct {
	Task      *InitiateTask `protobuf:"bytes,1,opt,name=task,proto3" json:"task,omitempty"`
	Completed bool          `protobuf:"varint,2,opt,name=completed,proto3" json:"completed,omitempty"`
}

func (m *RepairLogEntry) Reset()         { *m = RepairLogEntry{} }
func (m *RepairLogEntry) String() string { return proto.CompactTextString(m) }
func (*RepairLogEntry) ProtoMessage()    {}

func (m *RepairLogEntry) GetTask() *InitiateTask {
	if m != nil {
		return m.Task
	}
	return nil
}

func (m *RepairLogEntry) GetCompleted() bool {
	if m != nil {
		return m.Completed
	}
	return false
}

type StateQuery struct {
	RoundId     string `protobuf:"bytes,1,opt,name=round_id,json=roundId,proto3" json:"round_id,omitempty"`
	PartitionId int32  `protobuf:"varint,2,opt,name=partition_id,json=partitionId,proto3" json:"partition_id,omitempty"`
}

func (m *StateQuery) Reset()         { *m = StateQuery{} }
func (m *StateQuery) String() string { return proto.CompactTextString(m) }
func (*StateQuery) ProtoMessage()    {}

func (m *StateQuery) GetRoundId() string {
	if m != nil {
		return m.RoundId
	}
	return ""
}

func (m *StateQuery) GetPartitionId() int32 {
	if m != nil {
		return m.PartitionId
	}
	return 0
}

type StateResponse struct {
	RoundId  string            `protobuf:"bytes,1,opt,name=round_id,json=roundId,proto3" json:"round_id,omitempty"`
	Entries  []*RepairLogEntry `protobuf:"bytes,2,rep,name=entries,proto3" json:"entries,omitempty"`
	MaxTxnId int64             `protobuf:"varint,3,opt,name=max_txn_id,json=maxTxnId,proto3" json:"max_txn_id,omitempty"`
}

func (m *StateResponse) Reset()         { *m = StateResponse{} }
func (m *StateResponse) String() string { return proto.CompactTextString(m) }
func (*StateResponse) ProtoMessage()    {}

func (m *StateResponse) GetRoundId() string {
	if m != nil {
		return m.RoundId
	}
	return ""
}

func (m *StateResponse) GetEntries() []*RepairLogEntry {
	if m != nil {
		return m.Entries
	}
	return nil
}

func (m *StateResponse) GetMaxTxnId() int64 {
	if m != nil {
		return m.MaxTxnId
	}
	return 0
}

type Complete struct {
	TxnId int64 `protobuf:"varint,1,opt,name=txn_id,json=txnId,proto3" json:"txn_id,omitempty"`
}

func (m *Complete) Reset()         { *m = Complete{} }
func (m *Complete) String() string { return proto.CompactTextString(m) }
func (*Complete) ProtoMessage()    {}

func (m *Complete) GetTxnId() int64 {
	if m != nil {
		return m.TxnId
	}
	return 0
}

type Dump struct {
	Reason string `protobuf:"bytes,1,opt,name=reason,proto3" json:"reason,omitempty"`
}

func (m *Dump) Reset()         { *m = Dump{} }
func (m *Dump) String() string { return proto.CompactTextString(m) }
func (*Dump) ProtoMessage()    {}

func (m *Dump) GetReason() string {
	if m != nil {
		return m.Reason
	}
	return ""
}

type LeaderState struct {
	ResumeTxnId int64 `protobuf:"varint,1,opt,name=resume_txn_id,json=resumeTxnId,proto3" json:"resume_txn_id,omitempty"`
	LeaderHsid  int64 `protobuf:"varint,2,opt,name=leader_hsid,json=leaderHsid,proto3" json:"leader_hsid,omitempty"`
}

func (m *LeaderState) Reset()         { *m = LeaderState{} }
func (m *LeaderState) String() string { return proto.CompactTextString(m) }
func (*LeaderState) ProtoMessage()    {}

func (m *LeaderState) GetResumeTxnId() int64 {
	if m != nil {
		return m.ResumeTxnId
	}
	return 0
}

func (m *LeaderState) GetLeaderHsid() int64 {
	if m != nil {
		return m.LeaderHsid
	}
	return 0
}

type Envelope struct {
	Kind       MessageKind    `protobuf:"varint,1,opt,name=kind,proto3,enum=iv2_pb.MessageKind" json:"kind,omitempty"`
	SourceHsid int64          `protobuf:"varint,2,opt,name=source_hsid,json=sourceHsid,proto3" json:"source_hsid,omitempty"`
	DestHsid   int64          `protobuf:"varint,3,opt,name=dest_hsid,json=destHsid,proto3" json:"dest_hsid,omitempty"`
	Task       *InitiateTask  `protobuf:"bytes,4,opt,name=task,proto3" json:"task,omitempty"`
	Complete   *Complete      `protobuf:"bytes,5,opt,name=complete,proto3" json:"complete,omitempty"`
	Query      *StateQuery    `protobuf:"bytes,6,opt,name=query,proto3" json:"query,omitempty"`
	Response   *StateResponse `protobuf:"bytes,7,opt,name=response,proto3" json:"response,omitempty"`
	Dump       *Dump          `protobuf:"bytes,8,opt,name=dump,proto3" json:"dump,omitempty"`
}

func (m *Envelope) Reset()         { *m = Envelope{} }
func (m *Envelope) String() string { return proto.CompactTextString(m) }
func (*Envelope) ProtoMessage()    {}

func (m *Envelope) GetKind() MessageKind {
	if m != nil {
		return m.Kind
	}
	return MessageKind_UNKNOWN
}

func (m *Envelope) GetSourceHsid() int64 {
	if m != nil {
		return m.SourceHsid
	}
	return 0
}

func (m *Envelope) GetDestHsid() int64 {
	if m != nil {
		return m.DestHsid
	}
	return 0
}

func (m *Envelope) GetTask() *InitiateTask {
	if m != nil {
		return m.Task
	}
	return nil
}

func (m *Envelope) GetComplete() *Complete {
	if m != nil {
		return m.Complete
	}
	return nil
}

func (m *Envelope) GetQuery() *StateQuery {
	if m != nil {
		return m.Query
	}
	return nil
}

func (m *Envelope) GetResponse() *StateResponse {
	if m != nil {
		return m.Response
	}
	return nil
}

func (m *Envelope) GetDump() *Dump {
	if m != nil {
		return m.Dump
	}
	return nil
}

type DeliverReply struct {
	Ack bool `protobuf:"varint,1,opt,name=ack,proto3" json:"ack,omitempty"`
}

func (m *DeliverReply) Reset()         { *m = DeliverReply{} }
func (m *DeliverReply) String() string { return proto.CompactTextString(m) }
func (*DeliverReply) ProtoMessage()    {}

func (m *DeliverReply) GetAck() bool {
	if m != nil {
		return m.Ack
	}
	return false
}

func init() {
	proto.RegisterEnum("iv2_pb.MessageKind", MessageKind_name, MessageKind_value)
	proto.RegisterType((*InitiateTask)(nil), "iv2_pb.InitiateTask")
	proto.RegisterType((*RepairLogEntry)(nil), "iv2_pb.RepairLogEntry")
	proto.RegisterType((*StateQuery)(nil), "iv2_pb.StateQuery")
	proto.RegisterType((*StateResponse)(nil), "iv2_pb.StateResponse")
	proto.RegisterType((*Complete)(nil), "iv2_pb.Complete")
	proto.RegisterType((*Dump)(nil), "iv2_pb.Dump")
	proto.RegisterType((*LeaderState)(nil), "iv2_pb.LeaderState")
	proto.RegisterType((*Envelope)(nil), "iv2_pb.Envelope")
	proto.RegisterType((*DeliverReply)(nil), "iv2_pb.DeliverReply")
}

// MailboxServiceClient is the client API for MailboxService service.
type MailboxServiceClient interface {
	Deliver(ctx context.Context, in *Envelope, opts ...grpc.CallOption) (*DeliverReply, error)
}

type mailboxServiceClient struct {
	cc *grpc.ClientConn
}

func NewMailboxServiceClient(cc *grpc.ClientConn) MailboxServiceClient {
	return &mailboxServiceClient{cc}
}

func (c *mailboxServiceClient) Deliver(ctx context.Context, in *Envelope, opts ...grpc.CallOption) (*DeliverReply, error) {
	out := new(DeliverReply)
	err := c.cc.Invoke(ctx, "/iv2_pb.MailboxService/Deliver", in, out, opts...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MailboxServiceServer is the server API for MailboxService service.
type MailboxServiceServer interface {
	Deliver(context.Context, *Envelope) (*DeliverReply, error)
}

func RegisterMailboxServiceServer(s *grpc.Server, srv MailboxServiceServer) {
	s.RegisterService(&_MailboxService_serviceDesc, srv)
}

func _MailboxService_Deliver_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(Envelope)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MailboxServiceServer).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/iv2_pb.MailboxService/Deliver",
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(MailboxServiceServer).Deliver(ctx, req.(*Envelope))
	}
	return interceptor(ctx, in, info, handler)
}

var _MailboxService_serviceDesc = grpc.ServiceDesc{
	ServiceName: "iv2_pb.MailboxService",
	HandlerType: (*MailboxServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Deliver",
			Handler:    _MailboxService_Deliver_Handler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "iv2.proto",
}
