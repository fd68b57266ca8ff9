package conf

import (
	"google.golang.org/protobuf/reflect/protoreflect"
)

func fieldOf(msg protoreflect.Message, name string) protoreflect.FieldDescriptor {
	fd := msg.Descriptor().Fields().ByName(protoreflect.Name(name))
	if fd == nil {
		panic("configuration message " + string(msg.Descriptor().Name()) + " has no field " + name)
	}
	return fd
}

func getString(msg protoreflect.Message, name string) string {
	return msg.Get(fieldOf(msg, name)).String()
}

func getBool(msg protoreflect.Message, name string) bool {
	return msg.Get(fieldOf(msg, name)).Bool()
}

func getInt(msg protoreflect.Message, name string) int64 {
	return msg.Get(fieldOf(msg, name)).Int()
}

func getStrings(msg protoreflect.Message, name string) []string {
	list := msg.Get(fieldOf(msg, name)).List()
	if list.Len() == 0 {
		return nil
	}
	values := make([]string, list.Len())
	for i := range values {
		values[i] = list.Get(i).String()
	}
	return values
}

func getInts(msg protoreflect.Message, name string) []int {
	list := msg.Get(fieldOf(msg, name)).List()
	if list.Len() == 0 {
		return nil
	}
	values := make([]int, list.Len())
	for i := range values {
		values[i] = int(list.Get(i).Int())
	}
	return values
}

// getMessage returns the sub-message, or nil if it is not set.
func getMessage(msg protoreflect.Message, name string) protoreflect.Message {
	fd := fieldOf(msg, name)
	if !msg.Has(fd) {
		return nil
	}
	return msg.Get(fd).Message()
}

func getMessages(msg protoreflect.Message, name string) []protoreflect.Message {
	list := msg.Get(fieldOf(msg, name)).List()
	values := make([]protoreflect.Message, list.Len())
	for i := range values {
		values[i] = list.Get(i).Message()
	}
	return values
}

// setString sets a string field; empty strings are left unset.
func setString(msg protoreflect.Message, name, value string) {
	if value == "" {
		return
	}
	msg.Set(fieldOf(msg, name), protoreflect.ValueOfString(value))
}

func setBool(msg protoreflect.Message, name string, value bool) {
	msg.Set(fieldOf(msg, name), protoreflect.ValueOfBool(value))
}

func setStrings(msg protoreflect.Message, name string, values []string) {
	if len(values) == 0 {
		return
	}
	list := msg.Mutable(fieldOf(msg, name)).List()
	for _, v := range values {
		list.Append(protoreflect.ValueOfString(v))
	}
}

func setInts(msg protoreflect.Message, name string, values []int) {
	if len(values) == 0 {
		return
	}
	list := msg.Mutable(fieldOf(msg, name)).List()
	for _, v := range values {
		list.Append(protoreflect.ValueOfInt64(int64(v)))
	}
}

func mutableMessage(msg protoreflect.Message, name string) protoreflect.Message {
	return msg.Mutable(fieldOf(msg, name)).Message()
}

func appendMessage(msg protoreflect.Message, name string) protoreflect.Message {
	list := msg.Mutable(fieldOf(msg, name)).List()
	v := list.NewElement()
	list.Append(v)
	return v.Message()
}
