package template

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/HanTheDev/promptgen/internal/cache"
	"github.com/HanTheDev/promptgen/internal/errors"
	"github.com/HanTheDev/promptgen/internal/models"
)

// Compiler memoizes compiled templates in the cache manager keyed by
// template id and content hash. Concurrent compiles of the same template are
// collapsed into one.
type Compiler struct {
	cache  *cache.Manager
	group  singleflight.Group
	logger *zap.Logger
}

// DefaultCompiledTTL keeps compiled plans for practically ever. A plan is
// replaced by a new key when its template content changes.
const DefaultCompiledTTL = 30 * 24 * time.Hour

func NewCompiler(c *cache.Manager, ttl time.Duration, logger *zap.Logger) *Compiler {
	if ttl <= 0 {
		ttl = DefaultCompiledTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if c != nil {
		c.Register(cache.ClassTemplate, ttl, DecodeCompiled)
	}
	return &Compiler{cache: c, logger: logger.Named("template")}
}

// Compile returns the render plan for tpl. Compile errors are not cached.
func (c *Compiler) Compile(ctx context.Context, tpl *models.Template) (*Compiled, error) {
	key := cache.TemplateKey(tpl.ID, tpl.ContentHash())

	if c.cache != nil {
		if v, ok := c.cache.Get(ctx, cache.ClassTemplate, key); ok {
			if compiled, ok := v.(*Compiled); ok {
				return compiled, nil
			}
		}
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		compiled, err := Compile(tpl)
		if err != nil {
			return nil, err
		}
		if c.cache != nil {
			c.cache.Set(ctx, cache.ClassTemplate, key, compiled, 0)
		}
		return compiled, nil
	})
	if err != nil {
		var ce *errors.CompileError
		if errors.As(err, &ce) {
			c.logger.Error("template failed to compile",
				zap.String("template_id", tpl.ID),
				zap.String("code", ce.Code),
				zap.Int("offset", ce.Offset),
				zap.String("reason", ce.Message))
		}
		return nil, err
	}
	return v.(*Compiled), nil
}

// Invalidate drops the compiled plan of tpl from both cache tiers.
func (c *Compiler) Invalidate(ctx context.Context, tpl *models.Template) error {
	if c.cache == nil {
		return nil
	}
	return c.cache.Invalidate(ctx, cache.ClassTemplate, cache.TemplateKey(tpl.ID, tpl.ContentHash()))
}
