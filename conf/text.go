package conf

import (
	"maps"
	"slices"

	"github.com/gomlx/globaltensor/types/errs"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/encoding/prototext"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"
)

// parseText parses text into a new dynamic message of the given schema message.
func parseText(messageName, text string) (protoreflect.Message, error) {
	msg := dynamicpb.NewMessage(descriptorOf(messageName))
	if err := prototext.Unmarshal([]byte(text), msg); err != nil {
		return nil, errs.Wrapf(errs.ParseError, err, "parsing %s text", messageName)
	}
	return msg, nil
}

func formatText(msg protoreflect.Message) string {
	return prototext.MarshalOptions{Multiline: true, Indent: "  "}.Format(msg.Interface())
}

// ParseJobConfig parses a JobConfig in protocol buffer text format.
func ParseJobConfig(text string) (*JobConfig, error) {
	msg, err := parseText("JobConfig", text)
	if err != nil {
		return nil, err
	}
	return jobConfigFromProto(msg), nil
}

// ParseOperatorConf parses an OperatorConf in protocol buffer text format.
func ParseOperatorConf(text string) (*OperatorConf, error) {
	msg, err := parseText("OperatorConf", text)
	if err != nil {
		return nil, err
	}
	return operatorConfFromProto(msg), nil
}

// ParseParallelConf parses a ParallelConf in protocol buffer text format.
func ParseParallelConf(text string) (*ParallelConf, error) {
	msg, err := parseText("ParallelConf", text)
	if err != nil {
		return nil, err
	}
	return parallelConfFromProto(msg), nil
}

// ParseEnvConf parses an EnvConf in protocol buffer text format.
func ParseEnvConf(text string) (*EnvConf, error) {
	msg, err := parseText("EnvConf", text)
	if err != nil {
		return nil, err
	}
	return envConfFromProto(msg), nil
}

// ParseJobDefinition parses a JobDefinition in protocol buffer text format.
func ParseJobDefinition(text string) (*JobDefinition, error) {
	msg, err := parseText("JobDefinition", text)
	if err != nil {
		return nil, err
	}
	def := &JobDefinition{LossLbns: getStrings(msg, "loss_lbn")}
	if sub := getMessage(msg, "env"); sub != nil {
		def.Env = envConfFromProto(sub)
	}
	if sub := getMessage(msg, "job_conf"); sub != nil {
		def.JobConf = jobConfigFromProto(sub)
	}
	for _, step := range getMessages(msg, "step") {
		s := OpStep{Local: getBool(step, "local")}
		if op := getMessage(step, "op"); op != nil {
			s.Op = operatorConfFromProto(op)
		}
		def.Steps = append(def.Steps, s)
	}
	return def, nil
}

// ParseOpAttribute parses the text form produced by OpAttribute.Text.
func ParseOpAttribute(text string) (*OpAttribute, error) {
	msg, err := parseText("OpAttribute", text)
	if err != nil {
		return nil, err
	}
	return opAttributeFromProto(msg), nil
}

func opAttributeFromProto(msg protoreflect.Message) *OpAttribute {
	attr := &OpAttribute{
		OpName:      getString(msg, "op_name"),
		OpType:      getString(msg, "op_type"),
		LocalSubOps: getStrings(msg, "local_sub_op"),
	}
	if sub := getMessage(msg, "parallel_conf"); sub != nil {
		attr.ParallelConf = parallelConfFromProto(sub)
	}
	blobs := func(name string) (list []BlobSignature) {
		for _, b := range getMessages(msg, name) {
			list = append(list, BlobSignature{
				Bn:        getString(b, "bn"),
				Lbn:       getString(b, "lbn"),
				Shape:     getInts(b, "shape"),
				DType:     getString(b, "dtype"),
				IsDynamic: getBool(b, "is_dynamic"),
				NdSbp:     getString(b, "nd_sbp"),
			})
		}
		return
	}
	attr.Inputs = blobs("input")
	attr.Outputs = blobs("output")
	for _, b := range getMessages(msg, "boxing") {
		attr.Boxing = append(attr.Boxing, BoxingAnnotation{
			Bn:       getString(b, "bn"),
			Lbn:      getString(b, "lbn"),
			In:       getString(b, "in"),
			Out:      getString(b, "out"),
			Function: getString(b, "function"),
		})
	}
	return attr
}

// ParseJobStructureJSON parses the JSON form produced by JobStructure.JSON.
func ParseJobStructureJSON(data []byte) (*JobStructure, error) {
	msg := dynamicpb.NewMessage(descriptorOf("JobStructure"))
	if err := protojson.Unmarshal(data, msg); err != nil {
		return nil, errs.Wrapf(errs.ParseError, err, "parsing JobStructure json")
	}
	js := &JobStructure{
		JobName:  getString(msg, "job_name"),
		Mode:     getString(msg, "mode"),
		LossLbns: getStrings(msg, "loss_lbn"),
	}
	for _, op := range getMessages(msg, "op") {
		js.Ops = append(js.Ops, opAttributeFromProto(op))
	}
	return js, nil
}

// Text returns the protocol buffer text format of the job configuration.
func (jc *JobConfig) Text() string {
	return formatText(jobConfigToProto(jc))
}

// Text returns the protocol buffer text format of the operator configuration.
func (oc *OperatorConf) Text() string {
	return formatText(operatorConfToProto(oc))
}

// Text returns the protocol buffer text format of the operator attribute.
func (attr *OpAttribute) Text() string {
	msg := dynamicpb.NewMessage(descriptorOf("OpAttribute"))
	opAttributeIntoProto(attr, msg)
	return formatText(msg)
}

// JSON returns the job structure as indented JSON, with the field names of the text format.
func (js *JobStructure) JSON() ([]byte, error) {
	msg := dynamicpb.NewMessage(descriptorOf("JobStructure"))
	setString(msg, "job_name", js.JobName)
	setString(msg, "mode", js.Mode)
	for _, attr := range js.Ops {
		opAttributeIntoProto(attr, appendMessage(msg, "op"))
	}
	setStrings(msg, "loss_lbn", js.LossLbns)
	data, err := protojson.MarshalOptions{Multiline: true, Indent: "  ", UseProtoNames: true}.Marshal(msg.Interface())
	if err != nil {
		return nil, errs.Wrapf(errs.InvalidArgument, err, "job %q: marshaling structure", js.JobName)
	}
	return data, nil
}

func opAttributeIntoProto(attr *OpAttribute, msg protoreflect.Message) {
	setString(msg, "op_name", attr.OpName)
	setString(msg, "op_type", attr.OpType)
	if attr.ParallelConf != nil {
		parallelConfIntoProto(attr.ParallelConf, mutableMessage(msg, "parallel_conf"))
	}
	addBlobs := func(name string, list []BlobSignature) {
		for _, b := range list {
			sub := appendMessage(msg, name)
			setString(sub, "bn", b.Bn)
			setString(sub, "lbn", b.Lbn)
			setInts(sub, "shape", b.Shape)
			setString(sub, "dtype", b.DType)
			if b.IsDynamic {
				setBool(sub, "is_dynamic", true)
			}
			setString(sub, "nd_sbp", b.NdSbp)
		}
	}
	addBlobs("input", attr.Inputs)
	addBlobs("output", attr.Outputs)
	for _, b := range attr.Boxing {
		sub := appendMessage(msg, "boxing")
		setString(sub, "bn", b.Bn)
		setString(sub, "lbn", b.Lbn)
		setString(sub, "in", b.In)
		setString(sub, "out", b.Out)
		setString(sub, "function", b.Function)
	}
	setStrings(msg, "local_sub_op", attr.LocalSubOps)
}

func parallelConfFromProto(msg protoreflect.Message) *ParallelConf {
	return &ParallelConf{
		DeviceTag:   getString(msg, "device_tag"),
		DeviceNames: getStrings(msg, "device_name"),
		Hierarchy:   getInts(msg, "hierarchy"),
	}
}

func parallelConfIntoProto(pc *ParallelConf, msg protoreflect.Message) {
	setString(msg, "device_tag", pc.DeviceTag)
	setStrings(msg, "device_name", pc.DeviceNames)
	setInts(msg, "hierarchy", pc.Hierarchy)
}

func jobConfigFromProto(msg protoreflect.Message) *JobConfig {
	jc := &JobConfig{
		JobName: getString(msg, "job_name"),
		Mode:    getString(msg, "mode"),
		Train:   getBool(msg, "train"),
	}
	if sub := getMessage(msg, "default_parallel_conf"); sub != nil {
		jc.DefaultParallelConf = parallelConfFromProto(sub)
	}
	return jc
}

func jobConfigToProto(jc *JobConfig) protoreflect.Message {
	msg := dynamicpb.NewMessage(descriptorOf("JobConfig"))
	setString(msg, "job_name", jc.JobName)
	setString(msg, "mode", jc.Mode)
	if jc.Train {
		setBool(msg, "train", true)
	}
	if jc.DefaultParallelConf != nil {
		parallelConfIntoProto(jc.DefaultParallelConf, mutableMessage(msg, "default_parallel_conf"))
	}
	return msg
}

func envConfFromProto(msg protoreflect.Message) *EnvConf {
	env := &EnvConf{DevicesPerMachine: int(getInt(msg, "devices_per_machine"))}
	for _, m := range getMessages(msg, "machine") {
		env.Machines = append(env.Machines, MachineConf{Id: int(getInt(m, "id")), Addr: getString(m, "addr")})
	}
	return env
}

func operatorConfFromProto(msg protoreflect.Message) *OperatorConf {
	oc := &OperatorConf{
		Name:    getString(msg, "name"),
		OpType:  getString(msg, "op_type"),
		Outputs: getStrings(msg, "output"),
	}
	for _, in := range getMessages(msg, "input") {
		oc.Inputs = append(oc.Inputs, InputBinding{Key: getString(in, "key"), Lbn: getString(in, "lbn")})
	}
	if sub := getMessage(msg, "parallel_conf"); sub != nil {
		oc.ParallelConf = parallelConfFromProto(sub)
	}
	for _, hint := range getMessages(msg, "sbp_hint") {
		if oc.SbpHints == nil {
			oc.SbpHints = make(map[string]string)
		}
		oc.SbpHints[getString(hint, "bn")] = getString(hint, "nd_sbp")
	}
	attrField := msg.Descriptor().Fields().ByName("attr")
	msg.Get(attrField).Map().Range(func(key protoreflect.MapKey, value protoreflect.Value) bool {
		oc.SetAttr(key.String(), attrValueFromProto(value.Message()))
		return true
	})
	return oc
}

func operatorConfToProto(oc *OperatorConf) protoreflect.Message {
	msg := dynamicpb.NewMessage(descriptorOf("OperatorConf"))
	setString(msg, "name", oc.Name)
	setString(msg, "op_type", oc.OpType)
	for _, in := range oc.Inputs {
		sub := appendMessage(msg, "input")
		setString(sub, "key", in.Key)
		setString(sub, "lbn", in.Lbn)
	}
	setStrings(msg, "output", oc.Outputs)
	if len(oc.Attrs) > 0 {
		attrMap := msg.Mutable(msg.Descriptor().Fields().ByName("attr")).Map()
		for _, name := range slices.Sorted(maps.Keys(oc.Attrs)) {
			v := attrMap.NewValue()
			attrValueIntoProto(oc.Attrs[name], v.Message())
			attrMap.Set(protoreflect.ValueOfString(name).MapKey(), v)
		}
	}
	if oc.ParallelConf != nil {
		parallelConfIntoProto(oc.ParallelConf, mutableMessage(msg, "parallel_conf"))
	}
	for _, bn := range slices.Sorted(maps.Keys(oc.SbpHints)) {
		sub := appendMessage(msg, "sbp_hint")
		setString(sub, "bn", bn)
		setString(sub, "nd_sbp", oc.SbpHints[bn])
	}
	return msg
}

func attrValueFromProto(msg protoreflect.Message) AttrValue {
	var v AttrValue
	fields := msg.Descriptor().Fields()
	if fd := fields.ByName("i"); msg.Has(fd) {
		i := msg.Get(fd).Int()
		v.Int = &i
	}
	if fd := fields.ByName("f"); msg.Has(fd) {
		f := msg.Get(fd).Float()
		v.Float = &f
	}
	if fd := fields.ByName("s"); msg.Has(fd) {
		s := msg.Get(fd).String()
		v.String = &s
	}
	if fd := fields.ByName("b"); msg.Has(fd) {
		b := msg.Get(fd).Bool()
		v.Bool = &b
	}
	if fd := fields.ByName("list_i"); msg.Has(fd) {
		list := msg.Get(fd).List()
		v.Ints = make([]int64, list.Len())
		for i := range list.Len() {
			v.Ints[i] = list.Get(i).Int()
		}
	}
	if fd := fields.ByName("list_s"); msg.Has(fd) {
		v.Strings = getStrings(msg, "list_s")
	}
	return v
}

func attrValueIntoProto(v AttrValue, msg protoreflect.Message) {
	fields := msg.Descriptor().Fields()
	if v.Int != nil {
		msg.Set(fields.ByName("i"), protoreflect.ValueOfInt64(*v.Int))
	}
	if v.Float != nil {
		msg.Set(fields.ByName("f"), protoreflect.ValueOfFloat64(*v.Float))
	}
	if v.String != nil {
		msg.Set(fields.ByName("s"), protoreflect.ValueOfString(*v.String))
	}
	if v.Bool != nil {
		msg.Set(fields.ByName("b"), protoreflect.ValueOfBool(*v.Bool))
	}
	if len(v.Ints) > 0 {
		list := msg.Mutable(fields.ByName("list_i")).List()
		for _, i := range v.Ints {
			list.Append(protoreflect.ValueOfInt64(i))
		}
	}
	setStrings(msg, "list_s", v.Strings)
}
