package dkim

import (
	"crypto"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/kms"
	"github.com/aws/aws-xray-sdk-go/xray"

	"github.com/sendkit/dkimsmtp/mailerr"
	"github.com/sendkit/dkimsmtp/mlog"
)

// kmsSigner signs with an asymmetric AWS KMS key instead of a locally held
// RSA private key, for deployments whose signing key must never leave a KMS
// HSM boundary.
type kmsSigner struct {
	keyID   string
	client  *kms.KMS
	session *session.Session
	logger  mlog.Logger
}

var signAlgoToKMS = map[crypto.Hash]string{
	crypto.SHA1:   kms.SigningAlgorithmSpecRsassaPkcs1V15Sha1,
	crypto.SHA256: kms.SigningAlgorithmSpecRsassaPkcs1V15Sha256,
}

// NewKMSSigner builds a Signer whose PrivateKeyPkcs8 is unset and whose
// KMSKeyID names an asymmetric RSA signing key; it dials the region named by
// AWS_REGION and installs an xray-instrumented KMS client.
func NewKMSSigner(opts SignOptions) (*Signer, error) {
	const op = "dkim.NewKMSSigner"
	if opts.KMSKeyID == "" {
		return nil, mailerr.New(mailerr.ConfigInvalid, op, "KMSKeyID must be set to use NewKMSSigner")
	}
	signer, err := NewSigner(opts)
	if err != nil {
		return nil, err
	}
	regionName := os.Getenv("AWS_REGION")
	if regionName == "" {
		return nil, mailerr.New(mailerr.ConfigInvalid, op, "unable to determine AWS region, is AWS_REGION set in environment?")
	}
	logger := mlog.Logger{ComponentName: "dkim.kmsSigner", ComponentID: []mlog.LoggerIDField{{Key: "keyID", Value: opts.KMSKeyID}}}
	logger.Info(nil, nil, "initialising KMS signer using AWS region name %q", regionName)
	apiSession, err := session.NewSession(&aws.Config{Region: aws.String(regionName)})
	if err != nil {
		return nil, mailerr.Wrap(mailerr.ConfigInvalid, op, err)
	}
	kmsClient := kms.New(apiSession)
	xray.AWS(kmsClient.Client)
	return signer.WithKeySigner(&kmsSigner{
		keyID:   opts.KMSKeyID,
		client:  kmsClient,
		session: apiSession,
		logger:  logger,
	}), nil
}

func (k *kmsSigner) Sign(digest []byte, hash crypto.Hash) ([]byte, error) {
	algo, ok := signAlgoToKMS[hash]
	if !ok {
		return nil, fmt.Errorf("dkim.kmsSigner: unsupported hash algorithm %v", hash)
	}
	messageType := kms.MessageTypeDigest
	out, err := k.client.Sign(&kms.SignInput{
		KeyId:            aws.String(k.keyID),
		Message:          digest,
		MessageType:      &messageType,
		SigningAlgorithm: aws.String(algo),
	})
	k.logger.MaybeMinorError(err)
	if err != nil {
		return nil, err
	}
	return out.Signature, nil
}
