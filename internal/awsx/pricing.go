package awsx

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/pricing"
	pricingtypes "github.com/aws/aws-sdk-go-v2/service/pricing/types"

	"github.com/cloudigrade/cloudigrade/internal/domain/model"
)

// Catalog lists EC2 instance types through the AWS Price List API.
type Catalog struct {
	client PricingAPI
	logger *slog.Logger
}

// NewCatalog wraps a Pricing client.
func NewCatalog(client PricingAPI, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{client: client, logger: logger}
}

type priceListProduct struct {
	Product struct {
		Attributes struct {
			InstanceType string `json:"instanceType"`
			Memory       string `json:"memory"`
			VCPU         string `json:"vcpu"`
		} `json:"attributes"`
	} `json:"product"`
}

// InstanceTypeDefinitions returns memory (GiB) and vCPU count per instance
// type. Products without parseable attributes are skipped.
func (c *Catalog) InstanceTypeDefinitions(ctx context.Context) (map[string]model.InstanceDefinition, error) {
	defs := make(map[string]model.InstanceDefinition)
	pages := pricing.NewGetProductsPaginator(c.client, &pricing.GetProductsInput{
		ServiceCode: aws.String("AmazonEC2"),
		Filters: []pricingtypes.Filter{{
			Field: aws.String("productFamily"),
			Type:  pricingtypes.FilterTypeTermMatch,
			Value: aws.String("Compute Instance"),
		}},
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("get EC2 products: %w", err)
		}
		for _, raw := range page.PriceList {
			def, err := ParseProduct(raw)
			if err != nil {
				c.logger.DebugContext(ctx, "skipping price list product", "error", err)
				continue
			}
			if _, seen := defs[def.InstanceType]; !seen {
				defs[def.InstanceType] = def
			}
		}
	}
	return defs, nil
}

// ParseProduct extracts an instance definition from one price list entry.
// Memory is reported like "1,952 GiB".
func ParseProduct(raw string) (model.InstanceDefinition, error) {
	var p priceListProduct
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return model.InstanceDefinition{}, fmt.Errorf("decode product: %w", err)
	}
	attrs := p.Product.Attributes
	if attrs.InstanceType == "" {
		return model.InstanceDefinition{}, fmt.Errorf("product has no instance type")
	}
	if len(attrs.Memory) < 4 {
		return model.InstanceDefinition{}, fmt.Errorf("%s: bad memory %q", attrs.InstanceType, attrs.Memory)
	}
	memory, err := strconv.ParseFloat(strings.ReplaceAll(attrs.Memory[:len(attrs.Memory)-4], ",", ""), 64)
	if err != nil {
		return model.InstanceDefinition{}, fmt.Errorf("%s: bad memory %q: %w", attrs.InstanceType, attrs.Memory, err)
	}
	vcpu, err := strconv.Atoi(attrs.VCPU)
	if err != nil {
		return model.InstanceDefinition{}, fmt.Errorf("%s: bad vcpu %q: %w", attrs.InstanceType, attrs.VCPU, err)
	}
	return model.InstanceDefinition{
		InstanceType: attrs.InstanceType,
		Memory:       memory,
		VCPU:         vcpu,
		CloudType:    model.CloudTypeAWS,
	}, nil
}
