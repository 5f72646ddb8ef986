package infra

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "botfleet"
)

// Ключи состояния
const (
	RedisKeySnapshot = RedisNamespace + ":state:snapshot"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanPriority — директивы режима приоритета из mesh-сети: {"bot_id","text"}
	RedisChanPriority = RedisNamespace + ":priority:messages"
	// RedisChanAlerts — зеркало алертов для внешних подписчиков
	RedisChanAlerts = RedisNamespace + ":alerts"
)

// Обслуживание: множество ботов на ручном контроле и канал сигналов "<bot_id>:on|off"
const (
	RedisKeyMaintenanceSet = RedisNamespace + ":maintenance:bots"
	RedisChanMaintenance   = RedisNamespace + ":maintenance:signal"
)
