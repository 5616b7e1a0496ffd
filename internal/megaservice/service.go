package megaservice

import (
	"fmt"
	"strings"
)

type ServiceType string

const (
	ServiceTypeGateway        ServiceType = "GATEWAY"
	ServiceTypeEmbedding      ServiceType = "EMBEDDING"
	ServiceTypeRetriever      ServiceType = "RETRIEVER"
	ServiceTypeRerank         ServiceType = "RERANK"
	ServiceTypeLLM            ServiceType = "LLM"
	ServiceTypeASR            ServiceType = "ASR"
	ServiceTypeTTS            ServiceType = "TTS"
	ServiceTypeGuardrail      ServiceType = "GUARDRAIL"
	ServiceTypeDataprep       ServiceType = "DATAPREP"
	ServiceTypeUnderstanding  ServiceType = "UNDERSTANDING"
	ServiceTypeLVM            ServiceType = "LVM"
	ServiceTypePromptRegistry ServiceType = "PROMPT_REGISTRY"
	ServiceTypeAnimation      ServiceType = "ANIMATION"
	ServiceTypeImageGen       ServiceType = "IMAGE_GEN"
	ServiceTypeTextGen        ServiceType = "TEXT_GEN"
	ServiceTypeUndefined      ServiceType = "UNDEFINED"
)

var serviceTypes = []ServiceType{
	ServiceTypeGateway, ServiceTypeEmbedding, ServiceTypeRetriever, ServiceTypeRerank,
	ServiceTypeLLM, ServiceTypeASR, ServiceTypeTTS, ServiceTypeGuardrail, ServiceTypeDataprep,
	ServiceTypeUnderstanding, ServiceTypeLVM, ServiceTypePromptRegistry, ServiceTypeAnimation,
	ServiceTypeImageGen, ServiceTypeTextGen, ServiceTypeUndefined,
}

// ParseServiceType is case insensitive; an empty string is UNDEFINED
func ParseServiceType(s string) (ServiceType, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return ServiceTypeUndefined, nil
	}
	for _, t := range serviceTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown service type %q", s)
}

// streams reports whether the service may answer with an SSE stream
func (t ServiceType) streams() bool {
	return t == ServiceTypeLLM || t == ServiceTypeLVM
}

// MicroService is a remote node of the megaservice graph
type MicroService struct {
	Name     string      `yaml:"name"`
	Host     string      `yaml:"host"`
	Port     int         `yaml:"port"`
	Endpoint string      `yaml:"endpoint"`
	Type     ServiceType `yaml:"type"`
	APIKey   string      `yaml:"api_key"`
}

// EndpointPath returns the URL requests for this service are posted to.
// A host with an http(s) scheme is used as is, without the port. When model is set the
// request targets an OpenAI compatible server, so the endpoint is routed under /v1.
func (s MicroService) EndpointPath(model string) string {
	endpoint := s.Endpoint
	if endpoint != "" && !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	if model != "" && !strings.HasPrefix(endpoint, "/v1/") {
		endpoint = "/v1" + endpoint
	}

	if strings.HasPrefix(s.Host, "http://") || strings.HasPrefix(s.Host, "https://") {
		return strings.TrimSuffix(s.Host, "/") + endpoint
	}
	if s.Port == 0 {
		return fmt.Sprintf("http://%s%s", s.Host, endpoint)
	}
	return fmt.Sprintf("http://%s:%d%s", s.Host, s.Port, endpoint)
}
