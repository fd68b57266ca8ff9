package conf

import (
	"github.com/pkg/errors"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
)

const schemaPackage = "globaltensor.conf"

type fieldType = descriptorpb.FieldDescriptorProto_Type

const (
	tString  = descriptorpb.FieldDescriptorProto_TYPE_STRING
	tInt64   = descriptorpb.FieldDescriptorProto_TYPE_INT64
	tDouble  = descriptorpb.FieldDescriptorProto_TYPE_DOUBLE
	tBool    = descriptorpb.FieldDescriptorProto_TYPE_BOOL
	tMessage = descriptorpb.FieldDescriptorProto_TYPE_MESSAGE
)

func optional(name string, number int32, typ fieldType, typeName ...string) *descriptorpb.FieldDescriptorProto {
	return field(name, number, typ, descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL, typeName...)
}

func repeated(name string, number int32, typ fieldType, typeName ...string) *descriptorpb.FieldDescriptorProto {
	return field(name, number, typ, descriptorpb.FieldDescriptorProto_LABEL_REPEATED, typeName...)
}

func field(name string, number int32, typ fieldType, label descriptorpb.FieldDescriptorProto_Label,
	typeName ...string) *descriptorpb.FieldDescriptorProto {
	f := &descriptorpb.FieldDescriptorProto{
		Name:   proto.String(name),
		Number: proto.Int32(number),
		Type:   typ.Enum(),
		Label:  label.Enum(),
	}
	if len(typeName) > 0 {
		f.TypeName = proto.String("." + schemaPackage + "." + typeName[0])
	}
	return f
}

func message(name string, fields ...*descriptorpb.FieldDescriptorProto) *descriptorpb.DescriptorProto {
	return &descriptorpb.DescriptorProto{Name: proto.String(name), Field: fields}
}

// mapEntry returns the nested entry message of a map<string, valueType> field.
func mapEntry(name string, valueType fieldType, valueTypeName ...string) *descriptorpb.DescriptorProto {
	entry := message(name,
		optional("key", 1, tString),
		optional("value", 2, valueType, valueTypeName...))
	entry.Options = &descriptorpb.MessageOptions{MapEntry: proto.Bool(true)}
	return entry
}

func schemaProto() *descriptorpb.FileDescriptorProto {
	operatorConf := message("OperatorConf",
		optional("name", 1, tString),
		optional("op_type", 2, tString),
		repeated("input", 3, tMessage, "InputBinding"),
		repeated("output", 4, tString),
		repeated("attr", 5, tMessage, "OperatorConf.AttrEntry"),
		optional("parallel_conf", 6, tMessage, "ParallelConf"),
		repeated("sbp_hint", 7, tMessage, "SbpHint"),
	)
	operatorConf.NestedType = []*descriptorpb.DescriptorProto{mapEntry("AttrEntry", tMessage, "AttrValue")}

	return &descriptorpb.FileDescriptorProto{
		Name:    proto.String("globaltensor/conf.proto"),
		Package: proto.String(schemaPackage),
		Syntax:  proto.String("proto2"),
		MessageType: []*descriptorpb.DescriptorProto{
			message("ParallelConf",
				optional("device_tag", 1, tString),
				repeated("device_name", 2, tString),
				repeated("hierarchy", 3, tInt64)),
			message("JobConfig",
				optional("job_name", 1, tString),
				optional("mode", 2, tString),
				optional("train", 3, tBool),
				optional("default_parallel_conf", 4, tMessage, "ParallelConf")),
			message("AttrValue",
				optional("i", 1, tInt64),
				optional("f", 2, tDouble),
				optional("s", 3, tString),
				optional("b", 4, tBool),
				repeated("list_i", 5, tInt64),
				repeated("list_s", 6, tString)),
			message("InputBinding",
				optional("key", 1, tString),
				optional("lbn", 2, tString)),
			message("SbpHint",
				optional("bn", 1, tString),
				optional("nd_sbp", 2, tString)),
			operatorConf,
			message("MachineConf",
				optional("id", 1, tInt64),
				optional("addr", 2, tString)),
			message("EnvConf",
				repeated("machine", 1, tMessage, "MachineConf"),
				optional("devices_per_machine", 2, tInt64)),
			message("OpStep",
				optional("op", 1, tMessage, "OperatorConf"),
				optional("local", 2, tBool)),
			message("JobDefinition",
				optional("env", 1, tMessage, "EnvConf"),
				optional("job_conf", 2, tMessage, "JobConfig"),
				repeated("step", 3, tMessage, "OpStep"),
				repeated("loss_lbn", 4, tString)),
			message("BlobSignature",
				optional("bn", 1, tString),
				optional("lbn", 2, tString),
				repeated("shape", 3, tInt64),
				optional("dtype", 4, tString),
				optional("is_dynamic", 5, tBool),
				optional("nd_sbp", 6, tString)),
			message("BoxingAnnotation",
				optional("bn", 1, tString),
				optional("lbn", 2, tString),
				optional("in", 3, tString),
				optional("out", 4, tString),
				optional("function", 5, tString)),
			message("OpAttribute",
				optional("op_name", 1, tString),
				optional("op_type", 2, tString),
				optional("parallel_conf", 3, tMessage, "ParallelConf"),
				repeated("input", 4, tMessage, "BlobSignature"),
				repeated("output", 5, tMessage, "BlobSignature"),
				repeated("boxing", 6, tMessage, "BoxingAnnotation"),
				repeated("local_sub_op", 7, tString)),
			message("JobStructure",
				optional("job_name", 1, tString),
				optional("mode", 2, tString),
				repeated("op", 3, tMessage, "OpAttribute"),
				repeated("loss_lbn", 4, tString)),
		},
	}
}

var schema = func() protoreflect.FileDescriptor {
	file, err := protodesc.NewFile(schemaProto(), new(protoregistry.Files))
	if err != nil {
		panic(errors.Wrap(err, "building configuration schema"))
	}
	return file
}()

func descriptorOf(name string) protoreflect.MessageDescriptor {
	md := schema.Messages().ByName(protoreflect.Name(name))
	if md == nil {
		panic(errors.Errorf("configuration schema has no message %q", name))
	}
	return md
}
