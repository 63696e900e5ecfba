package endpoint

import "strings"

// TopicResolver decides whether an endpoint has publish/subscribe semantics
type TopicResolver interface {
	IsTopic(ep Endpoint) bool
}

// TopicResolverFunc adapts a function to TopicResolver
type TopicResolverFunc func(ep Endpoint) bool

func (f TopicResolverFunc) IsTopic(ep Endpoint) bool { return f(ep) }

// DefaultTopicResolver honours the topic: prefix of the endpoint URI
type DefaultTopicResolver struct{}

func (DefaultTopicResolver) IsTopic(ep Endpoint) bool { return ep.Topic }

// PrefixTopicResolver treats addresses starting with any prefix as topics,
// for providers whose address naming carries the destination kind.
type PrefixTopicResolver struct {
	Prefixes []string
}

func (r PrefixTopicResolver) IsTopic(ep Endpoint) bool {
	if ep.Topic {
		return true
	}
	for _, p := range r.Prefixes {
		if strings.HasPrefix(ep.Address, p) {
			return true
		}
	}
	return false
}
