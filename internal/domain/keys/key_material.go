package keys

import "time"

// KeyMaterial is private material a control component generated for a
// business entity. It never leaves the node's own store.
type KeyMaterial struct {
	ContextID  string    `gorm:"column:context_id;primaryKey;size:128" json:"context_id"`
	NodeID     string    `gorm:"column:node_id;primaryKey;size:64" json:"node_id"`
	Kind       string    `gorm:"column:kind;primaryKey;size:64" json:"kind"`
	PublicKey  []byte    `gorm:"column:public_key;not null" json:"public_key"`
	PrivateKey []byte    `gorm:"column:private_key;not null" json:"-"`
	CreatedAt  time.Time `gorm:"column:created_at;not null" json:"created_at"`
}

func (KeyMaterial) TableName() string { return "key_material" }
