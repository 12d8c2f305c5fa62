package serial

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// RedisPort keeps serial input and output in two Redis strings so that
// several processes (bridge, admin, console viewers) share one console.
// Every output chunk is also published on <prefix>out:live.
type RedisPort struct {
	c      *redis.Client
	prefix string
}

var _ Port = (*RedisPort)(nil)

// redisScriptPopPrefix removes and returns up to ARGV[1] leading bytes of KEYS[1].
var redisScriptPopPrefix = redis.NewScript(`
local n = tonumber(ARGV[1])
local v = redis.call('GETRANGE', KEYS[1], 0, n - 1)
if string.len(v) > 0 then
  local rest = redis.call('GETRANGE', KEYS[1], string.len(v), -1)
  if string.len(rest) == 0 then
    redis.call('DEL', KEYS[1])
  else
    redis.call('SET', KEYS[1], rest)
  end
end
return v
`)

func NewRedisPort(c *redis.Client, keyPrefix string) *RedisPort {
	if keyPrefix == "" {
		keyPrefix = "keybridge:serial:"
	}
	return &RedisPort{c: c, prefix: keyPrefix}
}

func (p *RedisPort) Client() *redis.Client { return p.c }

func (p *RedisPort) Prefix() string { return p.prefix }

func (p *RedisPort) keyIn() string   { return p.prefix + "in" }
func (p *RedisPort) keyOut() string  { return p.prefix + "out" }
func (p *RedisPort) channel() string { return p.prefix + "out:live" }

func (p *RedisPort) Write(ctx context.Context, b []byte) error {
	if len(b) == 0 {
		return nil
	}
	pipe := p.c.TxPipeline()
	pipe.Append(ctx, p.keyOut(), string(b))
	pipe.Publish(ctx, p.channel(), string(b))
	_, err := pipe.Exec(ctx)
	return err
}

func (p *RedisPort) Available(ctx context.Context) (int, error) {
	n, err := p.c.StrLen(ctx, p.keyIn()).Result()
	return int(n), err
}

func (p *RedisPort) Read(ctx context.Context, max int) ([]byte, error) {
	if max <= 0 {
		return nil, ErrInvalidRead
	}
	v, err := redisScriptPopPrefix.Run(ctx, p.c, []string{p.keyIn()}, max).Text()
	if err != nil {
		return nil, err
	}
	return []byte(v), nil
}

func (p *RedisPort) Inject(ctx context.Context, b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return p.c.Append(ctx, p.keyIn(), string(b)).Err()
}

func (p *RedisPort) Output(ctx context.Context) ([]byte, error) {
	v, err := p.c.Get(ctx, p.keyOut()).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	return v, err
}

// Subscribe streams live output chunks until ctx is done.
func (p *RedisPort) Subscribe(ctx context.Context) <-chan []byte {
	sub := p.c.Subscribe(ctx, p.channel())
	out := make(chan []byte, 16)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
