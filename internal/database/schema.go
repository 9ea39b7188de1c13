package database

const schema = `
CREATE TABLE IF NOT EXISTS users (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    telegram_id BIGINT NOT NULL UNIQUE,
    username VARCHAR(255),
    first_name VARCHAR(255),
    last_name VARCHAR(255),
    is_banned TINYINT(1) NOT NULL DEFAULT 0,
    created_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
    updated_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6) ON UPDATE CURRENT_TIMESTAMP(6)
);

CREATE TABLE IF NOT EXISTS subscriptions (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    user_id BIGINT NOT NULL,
    type VARCHAR(32) NOT NULL,
    tokens_amount BIGINT NOT NULL DEFAULT 0,
    tokens_used BIGINT NOT NULL DEFAULT 0,
    price DECIMAL(12, 2) NOT NULL DEFAULT 0,
    is_active TINYINT(1) NOT NULL DEFAULT 1,
    source VARCHAR(32) NOT NULL DEFAULT '',
    started_at DATETIME(6) NOT NULL,
    expires_at DATETIME(6) NULL,
    created_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
    KEY idx_subscriptions_user (user_id, is_active),
    FOREIGN KEY (user_id) REFERENCES users(id)
);

CREATE TABLE IF NOT EXISTS model_costs (
    model_id VARCHAR(128) PRIMARY KEY,
    provider VARCHAR(64) NOT NULL,
    category_code VARCHAR(64) NOT NULL DEFAULT '',
    cost_usd_per_unit DECIMAL(18, 8) NOT NULL,
    cost_unit VARCHAR(16) NOT NULL,
    tokens_per_unit DOUBLE NOT NULL,
    base_tokens BIGINT NOT NULL DEFAULT 0,
    unit_multipliers JSON NULL,
    unlimited_daily_limit BIGINT NULL,
    unlimited_budget_tokens BIGINT NULL,
    is_active TINYINT(1) NOT NULL DEFAULT 1,
    updated_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6) ON UPDATE CURRENT_TIMESTAMP(6)
);

CREATE TABLE IF NOT EXISTS ai_requests (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    user_id BIGINT NOT NULL,
    subscription_id BIGINT NULL,
    ai_model VARCHAR(128) NOT NULL,
    tokens_cost BIGINT NOT NULL,
    status VARCHAR(16) NOT NULL,
    operation_category VARCHAR(64) NOT NULL DEFAULT '',
    is_unlimited_subscription TINYINT(1) NOT NULL DEFAULT 0,
    refunded_at DATETIME(6) NULL,
    created_at DATETIME(6) NOT NULL,
    KEY idx_ai_requests_quota (user_id, subscription_id, ai_model, status, created_at),
    FOREIGN KEY (user_id) REFERENCES users(id)
);

CREATE TABLE IF NOT EXISTS ai_request_debits (
    ai_request_id BIGINT NOT NULL,
    seq INT NOT NULL,
    subscription_id BIGINT NOT NULL,
    amount BIGINT NOT NULL,
    PRIMARY KEY (ai_request_id, seq),
    FOREIGN KEY (ai_request_id) REFERENCES ai_requests(id) ON DELETE CASCADE,
    FOREIGN KEY (subscription_id) REFERENCES subscriptions(id)
);

CREATE TABLE IF NOT EXISTS video_generation_jobs (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    user_id BIGINT NOT NULL,
    ai_request_id BIGINT NULL,
    provider VARCHAR(64) NOT NULL,
    model_id VARCHAR(128) NOT NULL,
    task_id VARCHAR(255) NOT NULL DEFAULT '',
    status VARCHAR(32) NOT NULL,
    prompt TEXT NOT NULL,
    input_data JSON NULL,
    video_path TEXT NULL,
    error_message TEXT NULL,
    chat_id BIGINT NOT NULL DEFAULT 0,
    progress_message_id INT NULL,
    tokens_cost BIGINT NOT NULL DEFAULT 0,
    attempt_count INT NOT NULL DEFAULT 0,
    max_attempts INT NOT NULL,
    started_processing_at DATETIME(6) NULL,
    completed_at DATETIME(6) NULL,
    expires_at DATETIME(6) NOT NULL,
    created_at DATETIME(6) NOT NULL,
    updated_at DATETIME(6) NOT NULL,
    KEY idx_jobs_claim (status, updated_at),
    KEY idx_jobs_expires (expires_at),
    FOREIGN KEY (user_id) REFERENCES users(id)
);

CREATE TABLE IF NOT EXISTS settings (
    ` + "`key`" + ` VARCHAR(128) PRIMARY KEY,
    value VARCHAR(255) NOT NULL,
    updated_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6) ON UPDATE CURRENT_TIMESTAMP(6)
);

CREATE TABLE IF NOT EXISTS subscription_plans (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    title VARCHAR(255) NOT NULL,
    description TEXT NULL,
    type VARCHAR(32) NOT NULL,
    tokens BIGINT NOT NULL DEFAULT 0,
    duration_days INT NOT NULL DEFAULT 0,
    price DECIMAL(12, 2) NOT NULL DEFAULT 0,
    currency VARCHAR(8) NOT NULL,
    is_active TINYINT(1) NOT NULL DEFAULT 1,
    created_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
    updated_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6) ON UPDATE CURRENT_TIMESTAMP(6)
);

CREATE TABLE IF NOT EXISTS promo_codes (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    code VARCHAR(64) NOT NULL UNIQUE,
    plan_id BIGINT NOT NULL,
    max_uses INT NOT NULL,
    uses INT NOT NULL DEFAULT 0,
    created_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
    FOREIGN KEY (plan_id) REFERENCES subscription_plans(id)
);

CREATE TABLE IF NOT EXISTS promo_redemptions (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    user_id BIGINT NOT NULL,
    promo_code_id BIGINT NOT NULL,
    created_at DATETIME(6) NOT NULL,
    UNIQUE KEY uniq_user_promo (user_id, promo_code_id),
    FOREIGN KEY (user_id) REFERENCES users(id),
    FOREIGN KEY (promo_code_id) REFERENCES promo_codes(id) ON DELETE CASCADE
)
`
